// Package client talks to a running saltwater daemon's introspection API.
//
// Requests go through resty over a retryablehttp transport, so transient
// network errors and 5xx answers are retried with backoff, and a circuit
// breaker stops hammering a daemon that keeps failing.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/saltwater/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/ipc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/kernel/sched"
)

// ErrNotReady is returned by Health while the daemon is still booting.
var ErrNotReady = errors.New("daemon not ready")

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon answered %d", e.Status)
	}
	return fmt.Sprintf("daemon answered %d: %s", e.Status, e.Message)
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	Retries      int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Breaker      resilience.Settings
	Logger       *zap.Logger
}

// DefaultConfig returns the settings saltwaterctl uses against baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		Retries:      3,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		Breaker: resilience.Settings{
			Cooldown: 5 * time.Second,
		},
	}
}

// Client is safe for concurrent use.
type Client struct {
	base    string
	resty   *resty.Client
	breaker *resilience.Breaker
	logger  *zap.Logger
}

// New creates a client for the daemon at cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.Retries
	retry.RetryWaitMin = cfg.RetryWaitMin
	retry.RetryWaitMax = cfg.RetryWaitMax
	retry.Logger = nil
	// Hand the last response back instead of an opaque "giving up" error.
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retry.RequestLogHook = func(_ retryablehttp.Logger, r *http.Request, attempt int) {
		if attempt > 0 {
			cfg.Logger.Debug("retrying request", zap.String("url", r.URL.String()), zap.Int("attempt", attempt))
		}
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "saltwaterctl/1.0").
		SetHeader("Accept", "application/json").
		SetTransport(retry.StandardClient().Transport)
	rc.JSONMarshal = sonic.Marshal
	rc.JSONUnmarshal = sonic.Unmarshal

	settings := cfg.Breaker
	if settings.IsFailure == nil {
		settings.IsFailure = isFailure
	}
	if settings.OnChange == nil {
		settings.OnChange = func(name string, from, to resilience.State) {
			cfg.Logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}

	return &Client{
		base:    base,
		resty:   rc,
		breaker: resilience.New("saltwater", settings),
		logger:  cfg.Logger,
	}
}

// isFailure counts transport errors and 5xx answers against the daemon; a
// 4xx is the caller's fault. A 503 while booting is not a failure either.
func isFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNotReady) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled)
}

// BaseURL returns the daemon address without a trailing slash.
func (c *Client) BaseURL() string { return c.base }

// Breaker returns the client's circuit breaker.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, out any) error {
	return c.send(ctx, method, path, query, nil, out)
}

func (c *Client) send(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	_, err := resilience.Do(c.breaker, func() (struct{}, error) {
		apiErr := &APIError{}
		req := c.resty.R().
			SetContext(ctx).
			SetError(apiErr).
			SetQueryParams(query)
		if body != nil {
			req.SetHeader("Content-Type", "application/json").SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return struct{}{}, fmt.Errorf("%s %s: %w", method, path, err)
		}
		if resp.IsError() {
			apiErr.Status = resp.StatusCode()
			return struct{}{}, apiErr
		}
		return struct{}{}, nil
	})
	return err
}

// Health is the answer of /health.
type Health struct {
	Status     string      `json:"status"`
	BootID     string      `json:"boot_id"`
	Processors int         `json:"processors,omitempty"`
	Frames     frame.Stats `json:"frames"`
	Uptime     string      `json:"uptime,omitempty"`
}

// Health asks whether the daemon is up. A booting daemon yields its
// health with ErrNotReady.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		return Health{Status: "booting"}, fmt.Errorf("%s: %w", c.base, ErrNotReady)
	}
	return h, err
}

// Info is the answer of /.
type Info struct {
	Service string `json:"service"`
	Version string `json:"version"`
	BootID  string `json:"boot_id"`
}

// Info identifies the daemon.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	return info, c.do(ctx, http.MethodGet, "/", nil, &info)
}

// Processes lists every live process, depth first.
func (c *Client) Processes(ctx context.Context) ([]proc.Stats, error) {
	var body struct {
		Processes []proc.Stats `json:"processes"`
	}
	if err := c.do(ctx, http.MethodGet, "/processes", nil, &body); err != nil {
		return nil, err
	}
	return body.Processes, nil
}

// Process returns one process by ID.
func (c *Client) Process(ctx context.Context, pid string) (proc.Stats, error) {
	var st proc.Stats
	return st, c.do(ctx, http.MethodGet, "/processes/"+pid, nil, &st)
}

// SetPriority grants process pid and its descendants a scheduler priority
// and returns the process afterwards.
func (c *Client) SetPriority(ctx context.Context, pid string, priority uint64) (proc.Stats, error) {
	var st proc.Stats
	body := map[string]uint64{"priority": priority}
	return st, c.send(ctx, http.MethodPut, "/processes/"+pid+"/priority", nil, body, &st)
}

// LogLevel returns the daemon's log level.
func (c *Client) LogLevel(ctx context.Context) (string, error) {
	var body struct {
		Level string `json:"level"`
	}
	err := c.do(ctx, http.MethodGet, "/log/level", nil, &body)
	return body.Level, err
}

// SetLogLevel changes the daemon's log level.
func (c *Client) SetLogLevel(ctx context.Context, level string) (string, error) {
	var body struct {
		Level string `json:"level"`
	}
	err := c.send(ctx, http.MethodPut, "/log/level", nil, map[string]string{"level": level}, &body)
	return body.Level, err
}

// Frames returns the frame allocator counters.
func (c *Client) Frames(ctx context.Context) (frame.Stats, error) {
	var st frame.Stats
	return st, c.do(ctx, http.MethodGet, "/frames", nil, &st)
}

// Processors is the answer of /processors.
type Processors struct {
	Processors []sched.ProcessorStats `json:"processors"`
	Ready      int                    `json:"ready"`
	Imbalance  float64                `json:"imbalance"`
	Shootdowns uint64                 `json:"shootdowns"`
}

// Processors returns the per-core scheduler counters.
func (c *Client) Processors(ctx context.Context) (Processors, error) {
	var p Processors
	return p, c.do(ctx, http.MethodGet, "/processors", nil, &p)
}

// Servers lists IPC servers whose name matches the glob pattern; an empty
// pattern lists them all.
func (c *Client) Servers(ctx context.Context, pattern string) ([]ipc.Stats, error) {
	var query map[string]string
	if pattern != "" {
		query = map[string]string{"match": pattern}
	}
	var body struct {
		Servers []ipc.Stats `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers", query, &body); err != nil {
		return nil, err
	}
	return body.Servers, nil
}

// Candidate is one thread a rebalance would place.
type Candidate struct {
	Thread  string `json:"thread"`
	Process string `json:"process,omitempty"`
	Weight  uint64 `json:"weight"`
}

// Scheduler is the answer of /scheduler.
type Scheduler struct {
	Weights    sched.Weights `json:"weights"`
	Candidates []Candidate   `json:"candidates"`
}

// Scheduler returns the long-term weights and current candidates.
func (c *Client) Scheduler(ctx context.Context) (Scheduler, error) {
	var s Scheduler
	return s, c.do(ctx, http.MethodGet, "/scheduler", nil, &s)
}

// Rebalance redistributes the daemon's ready threads and returns how many
// were placed.
func (c *Client) Rebalance(ctx context.Context) (int, error) {
	var body struct {
		Redistributed int `json:"redistributed"`
	}
	err := c.do(ctx, http.MethodPost, "/scheduler/rebalance", nil, &body)
	return body.Redistributed, err
}

// WaitReady polls /health every interval until the daemon is booted or ctx
// is done. Unreachable daemons are polled like booting ones; an open
// breaker just delays the next poll.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) (Health, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h, err := c.Health(ctx)
		if err == nil {
			return h, nil
		}
		c.logger.Debug("daemon not ready", zap.Error(err))
		select {
		case <-ctx.Done():
			return Health{}, fmt.Errorf("wait for %s: %w (last: %w)", c.base, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
