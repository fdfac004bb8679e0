package monitoring

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/GriffinCanCode/saltwater/internal/kernel"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

const namespace = "saltwater"

var _ kernel.Observer = (*Metrics)(nil)

// Metrics holds the Prometheus metrics of one kernel instance. It is the
// kernel's Observer.
type Metrics struct {
	registry *prometheus.Registry

	// Frame allocator
	FramesFree       prometheus.Gauge
	FramesAllocated  prometheus.Counter
	FramesReleased   prometheus.Counter
	FrameExhaustions prometheus.Counter

	// Processes and threads
	ProcessesLive    prometheus.Gauge
	ProcessesCreated prometheus.Counter
	ThreadsByState   *prometheus.GaugeVec
	ThreadsCreated   prometheus.Counter
	Transitions      *prometheus.CounterVec

	// Scheduler
	Dispatches     *prometheus.CounterVec
	Switches       *prometheus.CounterVec
	Rebalances     prometheus.Counter
	RebalancedLoad prometheus.Histogram
	Shootdowns     *prometheus.CounterVec

	// Syscalls
	Syscalls        *prometheus.CounterVec
	SyscallDuration *prometheus.HistogramVec

	// Boot
	BootPhases *prometheus.GaugeVec

	// Introspection HTTP
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	Uptime    prometheus.Gauge
	startTime time.Time

	snapshot counters
}

// counters mirror a few metrics for the JSON API.
type counters struct {
	framesFree    atomic.Uint64
	processes     atomic.Int64
	syscalls      atomic.Uint64
	syscallErrors atomic.Uint64
	dispatches    atomic.Uint64
	switches      atomic.Uint64
	rebalances    atomic.Uint64
	shootdowns    atomic.Uint64
	requests      atomic.Uint64
	requestErrors atomic.Uint64
}

// Snapshot holds current metric values for the JSON API.
type Snapshot struct {
	FramesFree    uint64  `json:"frames_free"`
	Processes     int64   `json:"processes"`
	Syscalls      uint64  `json:"syscalls"`
	SyscallErrors uint64  `json:"syscall_errors"`
	Dispatches    uint64  `json:"dispatches"`
	Switches      uint64  `json:"switches"`
	Rebalances    uint64  `json:"rebalances"`
	Shootdowns    uint64  `json:"shootdowns"`
	Requests      uint64  `json:"http_requests"`
	RequestErrors uint64  `json:"http_errors"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// NewMetrics creates the metrics on a fresh registry, so several kernels can
// live in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		FramesFree: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_free",
			Help:      "Physical frames currently free",
		}),
		FramesAllocated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_allocated_total",
			Help:      "Frames handed out by the allocator",
		}),
		FramesReleased: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_released_total",
			Help:      "Frames returned to the allocator",
		}),
		FrameExhaustions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_exhaustions_total",
			Help:      "Allocations that failed for lack of free frames",
		}),

		ProcessesLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "processes_live",
			Help:      "Processes created and not yet exited",
		}),
		ProcessesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processes_created_total",
			Help:      "Processes created since boot",
		}),
		ThreadsByState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "threads",
				Help:      "Threads by status; aborted is cumulative",
			},
			[]string{"state"},
		),
		ThreadsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threads_created_total",
			Help:      "Threads created since boot",
		}),
		Transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "thread_transitions_total",
				Help:      "Thread status transitions",
			},
			[]string{"from", "to"},
		),

		Dispatches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Threads run on a core, by the trap they returned with",
			},
			[]string{"core", "trap"},
		),
		Switches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "address_space_switches_total",
				Help:      "Address space switches per core",
			},
			[]string{"core"},
		),
		Rebalances: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Long term scheduler redistributions",
		}),
		RebalancedLoad: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebalanced_threads",
			Help:      "Ready threads moved by one redistribution",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		Shootdowns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tlb_shootdowns_total",
				Help:      "Translation invalidations sent to other cores",
			},
			[]string{"half"},
		),

		Syscalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "syscalls_total",
				Help:      "Syscalls by selector and error code",
			},
			[]string{"selector", "code"},
		),
		SyscallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "syscall_duration_seconds",
				Help:      "Time spent in the kernel per syscall",
				Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 10),
			},
			[]string{"selector"},
		),

		BootPhases: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "boot_phase_seconds",
				Help:      "Duration of each boot phase",
			},
			[]string{"phase"},
		),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Introspection requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Introspection request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ResponseSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "Introspection response size",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "path"},
		),

		Uptime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the metrics were created",
		}),
	}

	for _, s := range proc.States {
		m.ThreadsByState.WithLabelValues(s.String())
	}
	return m
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run updates the uptime gauge every interval until ctx is done.
func (m *Metrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FrameAllocated records a successful allocation.
func (m *Metrics) FrameAllocated(free uint64) {
	m.FramesAllocated.Inc()
	m.setFree(free)
}

// FrameReleased records a deallocation.
func (m *Metrics) FrameReleased(free uint64) {
	m.FramesReleased.Inc()
	m.setFree(free)
}

func (m *Metrics) FrameExhausted() {
	m.FrameExhaustions.Inc()
}

func (m *Metrics) setFree(free uint64) {
	m.FramesFree.Set(float64(free))
	m.snapshot.framesFree.Store(free)
}

func (m *Metrics) ProcessCreated() {
	m.ProcessesLive.Inc()
	m.ProcessesCreated.Inc()
	m.snapshot.processes.Add(1)
}

func (m *Metrics) ProcessDestroyed() {
	m.ProcessesLive.Dec()
	m.snapshot.processes.Add(-1)
}

// ThreadCreated counts a new thread. Threads start Ready.
func (m *Metrics) ThreadCreated() {
	m.ThreadsCreated.Inc()
	m.ThreadsByState.WithLabelValues(proc.Ready.String()).Inc()
}

func (m *Metrics) ThreadTransition(from, to proc.State) {
	m.ThreadsByState.WithLabelValues(from.String()).Dec()
	m.ThreadsByState.WithLabelValues(to.String()).Inc()
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *Metrics) Dispatched(core int, trap proc.Trap) {
	m.Dispatches.WithLabelValues(strconv.Itoa(core), trap.String()).Inc()
	m.snapshot.dispatches.Add(1)
}

func (m *Metrics) Switched(core int) {
	m.Switches.WithLabelValues(strconv.Itoa(core)).Inc()
	m.snapshot.switches.Add(1)
}

// Rebalanced records one redistribution of ready threads.
func (m *Metrics) Rebalanced(threads int) {
	m.Rebalances.Inc()
	m.RebalancedLoad.Observe(float64(threads))
	m.snapshot.rebalances.Add(1)
}

func (m *Metrics) Shootdown(page paging.Page) {
	half := "user"
	if page.Kernel() {
		half = "kernel"
	}
	m.Shootdowns.WithLabelValues(half).Inc()
	m.snapshot.shootdowns.Add(1)
}

// Syscall records one syscall and its duration.
func (m *Metrics) Syscall(sel kernel.Selector, code kernel.ErrorCode, d time.Duration) {
	m.Syscalls.WithLabelValues(sel.String(), code.String()).Inc()
	m.SyscallDuration.WithLabelValues(sel.String()).Observe(d.Seconds())
	m.snapshot.syscalls.Add(1)
	if code != kernel.OK {
		m.snapshot.syscallErrors.Add(1)
	}
}

func (m *Metrics) BootPhase(name string, d time.Duration) {
	m.BootPhases.WithLabelValues(name).Set(d.Seconds())
}

// RecordHTTPRequest records one introspection request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.snapshot.requests.Add(1)
	if status >= 400 {
		m.snapshot.requestErrors.Add(1)
	}
}

// Snapshot returns the current values for the JSON API.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		FramesFree:    m.snapshot.framesFree.Load(),
		Processes:     m.snapshot.processes.Load(),
		Syscalls:      m.snapshot.syscalls.Load(),
		SyscallErrors: m.snapshot.syscallErrors.Load(),
		Dispatches:    m.snapshot.dispatches.Load(),
		Switches:      m.snapshot.switches.Load(),
		Rebalances:    m.snapshot.rebalances.Load(),
		Shootdowns:    m.snapshot.shootdowns.Load(),
		Requests:      m.snapshot.requests.Load(),
		RequestErrors: m.snapshot.requestErrors.Load(),
		UptimeSeconds: time.Since(m.startTime).Seconds(),
	}
}
