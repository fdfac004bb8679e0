package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	api "github.com/GriffinCanCode/saltwater/internal/api/http"
	"github.com/GriffinCanCode/saltwater/internal/client"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/logging"
)

const defaultAddr = "http://127.0.0.1:7070"

var errUsage = errors.New("usage: saltwaterctl [flags] info|health|wait|processes|frames|processors|servers|scheduler|rebalance|priority|loglevel|watch")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, "saltwaterctl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	addr := os.Getenv("SALTWATER_ADDR")
	if addr == "" {
		addr = defaultAddr
	}

	fs := flag.NewFlagSet("saltwaterctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&addr, "addr", addr, "daemon base URL")
	timeout := fs.Duration("timeout", 10*time.Second, "per request timeout")
	retries := fs.Int("retries", 3, "retries on transient failures")
	verbose := fs.Bool("v", false, "log retries and breaker changes to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	logger := logging.Nop()
	if *verbose {
		logger = logging.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()

	cfg := client.DefaultConfig(addr)
	cfg.Timeout = *timeout
	cfg.Retries = *retries
	cfg.Logger = logger.Named("client")
	c := client.New(cfg)

	show := func(v any, err error) error {
		if err != nil {
			return err
		}
		data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", data)
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	arg := func(i int) string {
		if i < len(rest) {
			return rest[i]
		}
		return ""
	}
	duration := func(i int, def time.Duration) (time.Duration, error) {
		if arg(i) == "" {
			return def, nil
		}
		return time.ParseDuration(arg(i))
	}

	switch cmd {
	case "info":
		return show(c.Info(ctx))
	case "health":
		return show(c.Health(ctx))
	case "wait":
		d, err := duration(0, 30*time.Second)
		if err != nil {
			return err
		}
		wctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return show(c.WaitReady(wctx, 250*time.Millisecond))
	case "processes":
		if pid := arg(0); pid != "" {
			return show(c.Process(ctx, pid))
		}
		return show(c.Processes(ctx))
	case "frames":
		return show(c.Frames(ctx))
	case "processors":
		return show(c.Processors(ctx))
	case "servers":
		return show(c.Servers(ctx, arg(0)))
	case "scheduler":
		return show(c.Scheduler(ctx))
	case "rebalance":
		n, err := c.Rebalance(ctx)
		return show(map[string]int{"redistributed": n}, err)
	case "priority":
		if arg(0) == "" || arg(1) == "" {
			return fmt.Errorf("priority needs a process id and a value: %w", errUsage)
		}
		v, err := strconv.ParseUint(arg(1), 10, 64)
		if err != nil {
			return fmt.Errorf("priority %q: %w", arg(1), err)
		}
		return show(c.SetPriority(ctx, arg(0), v))
	case "loglevel":
		var (
			level string
			err   error
		)
		if arg(0) == "" {
			level, err = c.LogLevel(ctx)
		} else {
			level, err = c.SetLogLevel(ctx, arg(0))
		}
		return show(map[string]string{"level": level}, err)
	case "watch":
		d, err := duration(0, time.Second)
		if err != nil {
			return err
		}
		return c.Watch(ctx, d, func(f api.StreamFrame) error {
			return writeLine(out, f)
		})
	default:
		logger.Debug("unknown command", zap.String("command", cmd))
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func writeLine(out io.Writer, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\n", data)
	return err
}
