package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/saltwater/internal/infrastructure/config"
	"github.com/GriffinCanCode/saltwater/internal/infrastructure/server"
)

func daemon(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Platform.MemoryMiB = 8
	cfg.Logging.Development = true
	srv, err := server.NewServer(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Boot(context.Background()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestRunCommands(t *testing.T) {
	ts := daemon(t)
	tests := []struct {
		args []string
		key  string
	}{
		{[]string{"info"}, "service"},
		{[]string{"health"}, "status"},
		{[]string{"wait", "1s"}, "status"},
		{[]string{"frames"}, "free"},
		{[]string{"processors"}, "imbalance"},
		{[]string{"scheduler"}, "weights"},
		{[]string{"rebalance"}, "redistributed"},
		{[]string{"loglevel"}, "level"},
		{[]string{"loglevel", "warn"}, "level"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			var out bytes.Buffer
			args := append([]string{"-addr", ts.URL, "-retries", "0"}, tt.args...)
			require.NoError(t, run(context.Background(), args, &out))

			var body map[string]any
			require.NoError(t, sonic.Unmarshal(out.Bytes(), &body), out.String())
			assert.Contains(t, body, tt.key)
		})
	}
}

func TestRunLists(t *testing.T) {
	ts := daemon(t)
	for _, cmd := range [][]string{{"processes"}, {"servers"}, {"servers", "sys"}} {
		var out bytes.Buffer
		require.NoError(t, run(context.Background(), append([]string{"-addr", ts.URL}, cmd...), &out))
		var list []map[string]any
		require.NoError(t, sonic.Unmarshal(out.Bytes(), &list), out.String())
		assert.Len(t, list, 1)
	}
}

func TestRunPriority(t *testing.T) {
	ts := daemon(t)
	base := []string{"-addr", ts.URL, "-retries", "0"}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), append(base, "processes"), &out))
	var list []struct {
		ID string `json:"id"`
	}
	require.NoError(t, sonic.Unmarshal(out.Bytes(), &list), out.String())
	require.Len(t, list, 1)

	out.Reset()
	require.NoError(t, run(context.Background(), append(base, "priority", list[0].ID, "30"), &out))
	var st struct {
		Priority struct {
			Propagated uint64 `json:"propagated"`
		} `json:"priority"`
	}
	require.NoError(t, sonic.Unmarshal(out.Bytes(), &st), out.String())
	assert.Equal(t, uint64(30), st.Priority.Propagated)

	assert.ErrorIs(t, run(context.Background(), append(base, "priority", list[0].ID), &out), errUsage)
	assert.Error(t, run(context.Background(), append(base, "priority", list[0].ID, "high"), &out))
}

func TestRunWatch(t *testing.T) {
	ts := daemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	err := run(ctx, []string{"-addr", ts.URL, "watch", "100ms"}, &out)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	assert.GreaterOrEqual(t, len(lines), 2)
}

func TestRunUsage(t *testing.T) {
	assert.ErrorIs(t, run(context.Background(), nil, &bytes.Buffer{}), errUsage)
	assert.ErrorIs(t, run(context.Background(), []string{"reboot"}, &bytes.Buffer{}), errUsage)
	assert.Error(t, run(context.Background(), []string{"-bogus"}, &bytes.Buffer{}))
	assert.Error(t, run(context.Background(), []string{"watch", "soon"}, &bytes.Buffer{}))
}
