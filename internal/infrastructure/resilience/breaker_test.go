package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

func call(b *Breaker, fail bool) error {
	_, err := Do(b, func() (int, error) {
		if fail {
			return 0, errDown
		}
		return 1, nil
	})
	return err
}

func TestDoReturnsValue(t *testing.T) {
	b := New("test", Settings{})
	v, err := Do(b, func() (string, error) { return "pong", nil })
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	var zero error
	got, err := Do(b, func() (error, error) { return zero, errDown })
	assert.ErrorIs(t, err, errDown)
	assert.Nil(t, got)
	assert.Equal(t, "test", b.Name())
}

func TestBreakerTrips(t *testing.T) {
	tests := []struct {
		name  string
		calls []bool // true fails
		want  State
	}{
		{"successes keep it closed", []bool{false, false, false}, Closed},
		{"two failures are tolerated", []bool{true, true}, Closed},
		{"three in a row open it", []bool{true, true, true}, Open},
		{"a success resets the run", []bool{true, true, false, true, true}, Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", Settings{Trip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 }})
			for _, fail := range tt.calls {
				_ = call(b, fail)
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerDefaultTrip(t *testing.T) {
	b := New("test", Settings{})
	for range 4 {
		_ = call(b, true)
	}
	assert.Equal(t, Closed, b.State())
	_ = call(b, true)
	assert.Equal(t, Open, b.State())
}

func TestBreakerOpenRefusesWithoutCalling(t *testing.T) {
	b := New("test", Settings{Trip: func(c Counts) bool { return c.TotalFailures >= 1 }})
	require.ErrorIs(t, call(b, true), errDown)

	called := false
	_, err := Do(b, func() (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	var (
		mu      sync.Mutex
		changes []string
	)
	b := New("daemon", Settings{
		TrialCalls: 2,
		Cooldown:   20 * time.Millisecond,
		Trip:       func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
		OnChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = call(b, true)
	assert.Equal(t, Open, b.State())

	require.Eventually(t, func() bool { return b.State() == HalfOpen }, time.Second, 5*time.Millisecond)

	require.NoError(t, call(b, false))
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, call(b, false))
	assert.Equal(t, Closed, b.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"daemon:closed->open",
		"daemon:open->half-open",
		"daemon:half-open->closed",
	}, changes)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Settings{
		Cooldown: 20 * time.Millisecond,
		Trip:     func(c Counts) bool { return true },
	})

	_ = call(b, true)
	require.Eventually(t, func() bool { return b.State() == HalfOpen }, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, call(b, true), errDown)
	assert.Equal(t, Open, b.State())
	assert.ErrorIs(t, call(b, false), ErrOpen)
}

func TestBreakerHalfOpenCallLimit(t *testing.T) {
	b := New("test", Settings{
		Cooldown: 20 * time.Millisecond,
		Trip:     func(c Counts) bool { return true },
	})
	_ = call(b, true)
	require.Eventually(t, func() bool { return b.State() == HalfOpen }, time.Second, 5*time.Millisecond)

	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Do(b, func() (int, error) {
			<-release
			return 0, nil
		})
		done <- err
	}()

	assert.Eventually(t, func() bool { return b.Counts().Requests == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, call(b, false), ErrTooManyCalls)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerWindowForgetsFailures(t *testing.T) {
	b := New("test", Settings{
		Window: 20 * time.Millisecond,
		Trip:   func(c Counts) bool { return c.TotalFailures >= 2 },
	})

	_ = call(b, true)
	assert.Equal(t, uint32(1), b.Counts().TotalFailures)
	require.Eventually(t, func() bool {
		// State rolls the window over.
		return b.State() == Closed && b.Counts().TotalFailures == 0
	}, time.Second, 5*time.Millisecond)
	_ = call(b, true)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, uint32(1), b.Counts().TotalFailures)
}

func TestBreakerIsFailureClassifies(t *testing.T) {
	errNotFound := errors.New("not found")
	b := New("test", Settings{
		Trip:      func(c Counts) bool { return c.TotalFailures >= 1 },
		IsFailure: func(err error) bool { return err != nil && !errors.Is(err, errNotFound) },
	})

	_, err := Do(b, func() (int, error) { return 0, errNotFound })
	assert.ErrorIs(t, err, errNotFound)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, uint32(1), b.Counts().TotalSuccesses)
}

func TestBreakerCountsPanicAsFailure(t *testing.T) {
	b := New("test", Settings{Trip: func(c Counts) bool { return c.TotalFailures >= 1 }})
	assert.Panics(t, func() {
		_, _ = Do(b, func() (int, error) { panic("boom") })
	})
	assert.Equal(t, Open, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "half-open", HalfOpen.String())
	assert.Equal(t, "open", Open.String())
}
