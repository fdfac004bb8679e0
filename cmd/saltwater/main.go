package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/infrastructure/config"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/logging"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/server"
	"github.com/GriffinCanCode/saltwater/internal/workload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "saltwater:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.Platform.Manifest, "manifest", cfg.Platform.Manifest, "machine manifest (yaml, toml or json)")
	flag.IntVar(&cfg.Platform.Processors, "processors", cfg.Platform.Processors, "cores when no manifest is given")
	flag.Uint64Var(&cfg.Platform.MemoryMiB, "memory", cfg.Platform.MemoryMiB, "memory in MiB when no manifest is given")
	flag.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "introspection listen address")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "debug, info, warn or error")
	flag.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "console logging")
	clients := flag.Int("demo-clients", 0, "start an echo workload with this many clients")
	rounds := flag.Int("demo-rounds", 100, "requests per echo client")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Boot(ctx); err != nil {
		logger.Error("Boot failed", zap.Error(err))
		return err
	}

	if *clients > 0 {
		echo, err := workload.StartEcho(srv.Kernel(), workload.EchoConfig{
			Clients: *clients,
			Rounds:  *rounds,
			Logger:  logger.Named("echo"),
		})
		if err != nil {
			return err
		}
		go func() {
			select {
			case <-echo.Done():
				logger.Info("Echo workload finished",
					zap.Uint64("rounds", echo.Completed()),
					zap.Error(echo.Err()),
				)
				if err := echo.Stop(); err != nil {
					logger.Warn("Echo server exit failed", zap.Error(err))
				}
			case <-ctx.Done():
			}
		}()
	}

	return srv.Run(ctx)
}
