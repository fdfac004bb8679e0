package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/saltwater/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/saltwater/internal/kernel"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/shared/id"
)

// Version is reported by Root.
const Version = "0.1.0"

var (
	// ErrProcessNotFound is returned for an unknown or exited process.
	ErrProcessNotFound = errors.New("process not found")

	// ErrBadProcessID is returned for an ID that is not a process ULID.
	ErrBadProcessID = errors.New("malformed process id")

	// ErrBadPattern is returned for a server filter that is not a valid glob.
	ErrBadPattern = errors.New("malformed server pattern")

	// ErrBadBody is returned for a request body that does not decode.
	ErrBadBody = errors.New("malformed request body")
)

// LevelController reads and changes the daemon's log level.
type LevelController interface {
	Level() zapcore.Level
	SetLevel(level string) error
}

// Handlers contains the introspection handlers of one kernel.
type Handlers struct {
	kernel  *kernel.Kernel
	metrics *monitoring.Metrics
	levels  LevelController
	logger  *zap.Logger
	started time.Time
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLevelController serves GET and PUT /log/level through l.
func WithLevelController(l LevelController) Option {
	return func(h *Handlers) { h.levels = l }
}

// NewHandlers creates a handler set. metrics may be nil, in which case the
// metric routes answer 404.
func NewHandlers(k *kernel.Kernel, metrics *monitoring.Metrics, logger *zap.Logger, opts ...Option) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{
		kernel:  k,
		metrics: metrics,
		logger:  logger,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds every route to r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	r.GET("/processes", h.ListProcesses)
	r.GET("/processes/:id", h.GetProcess)
	r.PUT("/processes/:id/priority", h.SetPriority)
	r.GET("/frames", h.Frames)
	r.GET("/processors", h.Processors)
	r.GET("/servers", h.Servers)

	r.GET("/scheduler", h.Scheduler)
	r.POST("/scheduler/rebalance", h.Rebalance)

	r.GET("/stream", h.Stream)

	if h.levels != nil {
		r.GET("/log/level", h.LogLevel)
		r.PUT("/log/level", h.SetLogLevel)
	}

	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{})))
		r.GET("/metrics/json", h.MetricsSnapshot)
	}
}

// Root identifies the service.
func (h *Handlers) Root(c *gin.Context) {
	render(c, http.StatusOK, gin.H{
		"service": "saltwater",
		"version": Version,
		"boot_id": h.kernel.BootID(),
	})
}

// Health reports whether the kernel finished booting.
func (h *Handlers) Health(c *gin.Context) {
	if h.kernel.Root() == nil {
		render(c, http.StatusServiceUnavailable, gin.H{
			"status":  "booting",
			"boot_id": h.kernel.BootID(),
		})
		return
	}
	render(c, http.StatusOK, gin.H{
		"status":     "healthy",
		"boot_id":    h.kernel.BootID(),
		"processors": len(h.kernel.Registry().Processors()),
		"frames":     h.kernel.Frames().Stats(),
		"uptime":     time.Since(h.started).String(),
	})
}

// ListProcesses lists every live process.
func (h *Handlers) ListProcesses(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	processes := h.kernel.Processes()
	render(c, http.StatusOK, gin.H{
		"processes": processes,
		"count":     len(processes),
	})
}

// GetProcess returns one process.
func (h *Handlers) GetProcess(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	p, ok := h.process(c)
	if !ok {
		return
	}
	render(c, http.StatusOK, p.Stats())
}

// PriorityRequest is the body of PUT /processes/:id/priority.
type PriorityRequest struct {
	Priority *uint64 `json:"priority"`
}

// SetPriority grants a process and its descendants a scheduler priority.
func (h *Handlers) SetPriority(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	p, ok := h.process(c)
	if !ok {
		return
	}
	var req PriorityRequest
	if !bind(c, &req) {
		return
	}
	if req.Priority == nil {
		renderError(c, http.StatusBadRequest, fmt.Errorf("priority missing: %w", ErrBadBody))
		return
	}
	if err := h.kernel.Boost(p, *req.Priority); err != nil {
		renderError(c, http.StatusNotFound, fmt.Errorf("%s: %w", p.ID(), ErrProcessNotFound))
		return
	}
	render(c, http.StatusOK, p.Stats())
}

// process resolves the :id parameter, answering 400 or 404 itself.
func (h *Handlers) process(c *gin.Context) (*proc.Process, bool) {
	pid := c.Param("id")
	if _, err := id.Timestamp(pid); err != nil {
		renderError(c, http.StatusBadRequest, fmt.Errorf("%q: %w", pid, ErrBadProcessID))
		return nil, false
	}
	p, ok := h.kernel.Process(id.ProcessID(pid))
	if !ok {
		renderError(c, http.StatusNotFound, fmt.Errorf("%s: %w", pid, ErrProcessNotFound))
		return nil, false
	}
	return p, true
}

// Frames returns the frame allocator counters.
func (h *Handlers) Frames(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	render(c, http.StatusOK, h.kernel.Frames().Stats())
}

// Processors returns the per-core scheduler counters.
func (h *Handlers) Processors(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	reg := h.kernel.Registry()
	render(c, http.StatusOK, gin.H{
		"processors": reg.Stats(),
		"ready":      reg.Len(),
		"imbalance":  reg.Imbalance(),
		"shootdowns": reg.Shootdowns(),
	})
}

// Servers lists every IPC server. The match query keeps only servers whose
// name matches the glob, e.g. ?match=echo* or ?match={sys,echo}.
func (h *Handlers) Servers(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	servers := h.kernel.Servers()
	if pattern := c.Query("match"); pattern != "" {
		if !doublestar.ValidatePattern(pattern) {
			renderError(c, http.StatusBadRequest, fmt.Errorf("%q: %w", pattern, ErrBadPattern))
			return
		}
		kept := servers[:0]
		for _, st := range servers {
			if ok, _ := doublestar.Match(pattern, st.Name); ok {
				kept = append(kept, st)
			}
		}
		servers = kept
	}
	render(c, http.StatusOK, gin.H{"servers": servers})
}

type candidate struct {
	Thread  string `json:"thread"`
	Process string `json:"process,omitempty"`
	Weight  uint64 `json:"weight"`
}

// Scheduler returns the long-term weights and what a rebalance would
// redistribute right now.
func (h *Handlers) Scheduler(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	lt := h.kernel.LongTerm()
	scanned := lt.Scan(h.kernel.Root())
	out := make([]candidate, 0, len(scanned))
	for _, cand := range scanned {
		out = append(out, candidate{
			Thread:  cand.Thread.ID().String(),
			Process: processOf(cand.Thread),
			Weight:  cand.Weight,
		})
	}
	render(c, http.StatusOK, gin.H{
		"weights":    lt.Weights(),
		"candidates": out,
	})
}

// Rebalance redistributes every ready thread across the cores.
func (h *Handlers) Rebalance(c *gin.Context) {
	if !h.booted(c) {
		return
	}
	n := h.kernel.LongTerm().Redistribute(h.kernel.Registry(), h.kernel.Root())
	h.logger.Info("manual rebalance", zap.Int("threads", n))
	render(c, http.StatusOK, gin.H{"redistributed": n})
}

// LevelRequest is the body of PUT /log/level and the answer of both
// /log/level routes.
type LevelRequest struct {
	Level string `json:"level"`
}

// LogLevel returns the current log level.
func (h *Handlers) LogLevel(c *gin.Context) {
	render(c, http.StatusOK, LevelRequest{Level: h.levels.Level().String()})
}

// SetLogLevel changes the log level at runtime.
func (h *Handlers) SetLogLevel(c *gin.Context) {
	var req LevelRequest
	if !bind(c, &req) {
		return
	}
	from := h.levels.Level()
	if err := h.levels.SetLevel(req.Level); err != nil {
		renderError(c, http.StatusBadRequest, err)
		return
	}
	h.logger.Info("log level changed",
		zap.Stringer("from", from),
		zap.Stringer("to", h.levels.Level()),
	)
	render(c, http.StatusOK, LevelRequest{Level: h.levels.Level().String()})
}

// MetricsSnapshot returns the metric counters as JSON.
func (h *Handlers) MetricsSnapshot(c *gin.Context) {
	render(c, http.StatusOK, h.metrics.Snapshot())
}

func (h *Handlers) booted(c *gin.Context) bool {
	if h.kernel.Root() == nil {
		renderError(c, http.StatusServiceUnavailable, kernel.ErrNotBooted)
		return false
	}
	return true
}

func processOf(t *proc.Thread) string {
	if p := t.Process(); p != nil {
		return p.ID().String()
	}
	return ""
}
