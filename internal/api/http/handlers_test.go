package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/GriffinCanCode/saltwater/internal/infrastructure/logging"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/saltwater/internal/kernel"
	"github.com/GriffinCanCode/saltwater/internal/kernel/frame"
	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
	"github.com/GriffinCanCode/saltwater/internal/platform"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	kernel  *kernel.Kernel
	metrics *monitoring.Metrics
	router  *gin.Engine
}

func newFixture(t *testing.T, boot bool, opts ...Option) *fixture {
	t.Helper()
	m := monitoring.NewMetrics()
	cfg := kernel.DefaultConfig()
	cfg.Observer = m
	k := kernel.New(cfg)
	if boot {
		require.NoError(t, k.Boot(context.Background(), platform.DefaultManifest(2, 8<<20)))
	}
	router := gin.New()
	router.Use(monitoring.Middleware(m))
	NewHandlers(k, m, nil, opts...).Register(router)
	return &fixture{kernel: k, metrics: m, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	return f.send(t, method, path, "", out)
}

func (f *fixture) send(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	if out != nil {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func TestHealth(t *testing.T) {
	var body map[string]any

	f := newFixture(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/health", &body))
	assert.Equal(t, "booting", body["status"])
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/processes", nil))

	f = newFixture(t, true)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, f.kernel.BootID().String(), body["boot_id"])
	assert.EqualValues(t, 2, body["processors"])
}

func TestRoot(t *testing.T) {
	f := newFixture(t, true)
	var body map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/", &body))
	assert.Equal(t, "saltwater", body["service"])
	assert.Equal(t, Version, body["version"])
}

func TestProcesses(t *testing.T) {
	f := newFixture(t, true)
	child, err := f.kernel.Spawn(f.kernel.Root(), nil)
	require.NoError(t, err)

	var list struct {
		Processes []proc.Stats `json:"processes"`
		Count     int          `json:"count"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/processes", &list))
	assert.Equal(t, 2, list.Count)
	require.Len(t, list.Processes, 2)
	assert.Equal(t, f.kernel.Root().ID(), list.Processes[0].ID)
	assert.Equal(t, child.ID(), list.Processes[1].ID)
	assert.Equal(t, f.kernel.Root().ID(), list.Processes[1].Parent)
	assert.Len(t, list.Processes[1].Threads, 1)

	var one proc.Stats
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/processes/"+child.ID().String(), &one))
	assert.Equal(t, child.ID(), one.ID)

	require.NoError(t, child.Exit())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/processes/"+child.ID().String(), nil))
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/processes/nonsense", nil))
}

func TestSetPriority(t *testing.T) {
	f := newFixture(t, true)
	child, err := f.kernel.Spawn(f.kernel.Root(), nil)
	require.NoError(t, err)
	grandchild, err := f.kernel.Spawn(child, nil)
	require.NoError(t, err)
	path := "/processes/" + child.ID().String() + "/priority"

	var st proc.Stats
	require.Equal(t, http.StatusOK, f.send(t, http.MethodPut, path, `{"priority":40}`, &st))
	assert.Equal(t, child.ID(), st.ID)
	assert.Equal(t, uint64(40), st.Priority.Propagated)
	require.Len(t, st.Threads, 1)
	assert.Equal(t, uint64(40), st.Threads[0].Priority.Effective())
	assert.Equal(t, uint64(40), grandchild.Threads()[0].Priorities().Propagated)
	assert.Zero(t, f.kernel.Root().Priority().Propagated)

	weights := f.kernel.LongTerm().Weights()
	assert.Equal(t, weights.Base+40, weights.Of(grandchild.Threads()[0]))

	require.Equal(t, http.StatusOK, f.send(t, http.MethodPut, path, `{"priority":0}`, &st))
	assert.Zero(t, st.Priority.Propagated)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"missing priority", path, `{}`, http.StatusBadRequest},
		{"not json", path, `forty`, http.StatusBadRequest},
		{"negative", path, `{"priority":-1}`, http.StatusBadRequest},
		{"bad id", "/processes/nonsense/priority", `{"priority":1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]any
			assert.Equal(t, tt.status, f.send(t, http.MethodPut, tt.path, tt.body, &body))
			assert.NotEmpty(t, body["error"])
		})
	}

	require.NoError(t, grandchild.Exit())
	gpath := "/processes/" + grandchild.ID().String() + "/priority"
	assert.Equal(t, http.StatusNotFound, f.send(t, http.MethodPut, gpath, `{"priority":1}`, nil))
}

func TestLogLevel(t *testing.T) {
	f := newFixture(t, true)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/log/level", nil))

	logger, err := logging.New(logging.Config{Level: "info", OutputPaths: []string{"stderr"}})
	require.NoError(t, err)
	f = newFixture(t, true, WithLevelController(logger))

	var body LevelRequest
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/log/level", &body))
	assert.Equal(t, "info", body.Level)

	require.Equal(t, http.StatusOK, f.send(t, http.MethodPut, "/log/level", `{"level":"debug"}`, &body))
	assert.Equal(t, "debug", body.Level)
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	assert.Equal(t, http.StatusBadRequest, f.send(t, http.MethodPut, "/log/level", `{"level":"loud"}`, nil))
	assert.Equal(t, http.StatusBadRequest, f.send(t, http.MethodPut, "/log/level", `level`, nil))
	assert.Equal(t, zapcore.DebugLevel, logger.Level())
}

func TestFramesAndProcessors(t *testing.T) {
	f := newFixture(t, true)

	var st frame.Stats
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/frames", &st))
	assert.Equal(t, f.kernel.Frames().Free(), st.Free)
	assert.Equal(t, st.Total-st.Free, st.Allocated)

	var procs struct {
		Processors []map[string]any `json:"processors"`
		Ready      int              `json:"ready"`
		Imbalance  *float64         `json:"imbalance"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/processors", &procs))
	assert.Len(t, procs.Processors, 2)
	assert.Zero(t, procs.Ready)
	require.NotNil(t, procs.Imbalance)
	assert.Zero(t, *procs.Imbalance)
}

func TestServers(t *testing.T) {
	f := newFixture(t, true)
	_, _, err := f.kernel.Host(f.kernel.Root(), "echo")
	require.NoError(t, err)

	var body struct {
		Servers []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"servers"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers", &body))
	require.Len(t, body.Servers, 2)
	assert.Equal(t, "sys", body.Servers[0].Name)
	assert.Equal(t, "echo", body.Servers[1].Name)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers?match=ec*", &body))
	require.Len(t, body.Servers, 1)
	assert.Equal(t, "echo", body.Servers[0].Name)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers?match=%7Bsys,echo%7D", &body))
	assert.Len(t, body.Servers, 2)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/servers?match=nothing", &body))
	assert.Empty(t, body.Servers)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/servers?match=%5Becho", nil))
}

func TestSchedulerAndRebalance(t *testing.T) {
	f := newFixture(t, true)
	child, err := f.kernel.Root().AddChild()
	require.NoError(t, err)
	for range 3 {
		_, err := child.AddThread(nil)
		require.NoError(t, err)
	}

	var sched struct {
		Weights struct {
			Base uint64 `json:"base"`
		} `json:"weights"`
		Candidates []candidate `json:"candidates"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/scheduler", &sched))
	assert.Equal(t, uint64(100), sched.Weights.Base)
	require.Len(t, sched.Candidates, 3)
	for _, c := range sched.Candidates {
		assert.Equal(t, uint64(100), c.Weight)
		assert.Equal(t, child.ID().String(), c.Process)
	}

	var reb struct {
		Redistributed int `json:"redistributed"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/scheduler/rebalance", &reb))
	assert.Equal(t, 3, reb.Redistributed)
	assert.Equal(t, 3, f.kernel.Registry().Len())
}

func TestMetricsRoutes(t *testing.T) {
	f := newFixture(t, true)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "saltwater_frames_free"))

	var snap monitoring.Snapshot
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/metrics/json", &snap))
	assert.Equal(t, f.kernel.Frames().Free(), snap.FramesFree)
	assert.Equal(t, int64(1), snap.Processes)
	assert.Equal(t, uint64(1), snap.Requests)
}
