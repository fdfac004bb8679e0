package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/saltwater/internal/kernel"
	"github.com/GriffinCanCode/saltwater/internal/kernel/paging"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/platform"
)

func bootWith(t *testing.T, m *Metrics) *kernel.Kernel {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.Observer = m
	k := kernel.New(cfg)
	require.NoError(t, k.Boot(context.Background(), platform.DefaultManifest(2, 8<<20)))
	return k
}

func TestKernelReportsIntoMetrics(t *testing.T) {
	m := NewMetrics()
	k := bootWith(t, m)

	assert.Equal(t, float64(k.Frames().Free()), testutil.ToFloat64(m.FramesFree))
	assert.Positive(t, testutil.ToFloat64(m.FramesAllocated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProcessesLive))
	assert.Equal(t, 9, testutil.CollectAndCount(m.BootPhases))

	child, err := k.Spawn(k.Root(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProcessesLive))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ThreadsCreated))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ThreadsByState.WithLabelValues("ready")))

	require.NoError(t, child.Exit())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ProcessesLive))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ThreadsByState.WithLabelValues("ready")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ThreadsByState.WithLabelValues("aborted")))

	snap := m.Snapshot()
	assert.Equal(t, k.Frames().Free(), snap.FramesFree)
	assert.Equal(t, int64(1), snap.Processes)
}

func TestSyscallMetrics(t *testing.T) {
	m := NewMetrics()
	k := bootWith(t, m)
	th, err := k.Root().AddThread(nil)
	require.NoError(t, err)

	res, out := k.Syscall(context.Background(), th, kernel.Registers{Selector: kernel.SelAbort})
	assert.Equal(t, kernel.OK, res.Error)
	assert.Equal(t, kernel.Terminate, out)

	res, _ = k.Syscall(context.Background(), th, kernel.Registers{Selector: 99})
	assert.Equal(t, kernel.ProtocolMisuse, res.Error)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Syscalls.WithLabelValues("abort", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Syscalls.WithLabelValues("selector(99)", "protocol_misuse")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.SyscallDuration))

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Syscalls)
	assert.Equal(t, uint64(1), snap.SyscallErrors)
}

func TestSchedulerMetrics(t *testing.T) {
	m := NewMetrics()

	m.Dispatched(1, proc.TrapYield)
	m.Dispatched(1, proc.TrapYield)
	m.Dispatched(0, proc.TrapBlock)
	m.Switched(1)
	m.Rebalanced(3)
	m.Shootdown(paging.PageFromAddress(paging.HigherHalf))
	m.Shootdown(paging.Page(1))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Dispatches.WithLabelValues("1", "yield")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatches.WithLabelValues("0", "block")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Switches.WithLabelValues("1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Rebalances))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Shootdowns.WithLabelValues("kernel")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Shootdowns.WithLabelValues("user")))

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.Dispatches)
	assert.Equal(t, uint64(1), snap.Switches)
	assert.Equal(t, uint64(2), snap.Shootdowns)
}

func TestFrameExhaustion(t *testing.T) {
	m := NewMetrics()
	m.FrameAllocated(9)
	m.FrameReleased(10)
	m.FrameExhausted()

	assert.Equal(t, float64(10), testutil.ToFloat64(m.FramesFree))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FrameExhaustions))
	assert.Equal(t, uint64(10), m.Snapshot().FramesFree)
}

func TestInstancesDoNotShareRegistries(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.ProcessCreated()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.ProcessesLive))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.ProcessesLive))
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()
	router := gin.New()
	router.Use(Middleware(m))
	router.GET("/processes/:id", func(c *gin.Context) {
		c.String(http.StatusOK, c.Param("id"))
	})

	for _, path := range []string{"/processes/a", "/processes/b", "/nowhere"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/processes/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))

	snap := m.Snapshot()
	assert.Equal(t, uint64(3), snap.Requests)
	assert.Equal(t, uint64(1), snap.RequestErrors)
}

func TestRunUpdatesUptime(t *testing.T) {
	m := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Uptime) > 0
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestRegistryExposesFamilies(t *testing.T) {
	m := NewMetrics()
	m.ProcessCreated()

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, " ")
	assert.Contains(t, joined, "saltwater_processes_live")
	assert.Contains(t, joined, "go_goroutines")
}
