package resilience

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

var (
	// ErrOpen is returned without calling through while the breaker is open.
	ErrOpen = gobreaker.ErrOpenState

	// ErrTooManyCalls is returned when a half-open breaker already has its
	// trial calls in flight.
	ErrTooManyCalls = gobreaker.ErrTooManyRequests
)

// State is where a breaker is in its cycle.
type State = gobreaker.State

const (
	Closed   = gobreaker.StateClosed
	HalfOpen = gobreaker.StateHalfOpen
	Open     = gobreaker.StateOpen
)

// Counts are the calls seen since the breaker last changed state or its
// window rolled over.
type Counts = gobreaker.Counts

// Settings tunes a Breaker. Zero fields take the defaults noted.
type Settings struct {
	// TrialCalls is how many calls a half-open breaker lets through, and how
	// many must succeed to close it again. Default 1.
	TrialCalls uint32

	// Window is how often a closed breaker forgets its counts. Default 1m.
	Window time.Duration

	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration

	// Trip decides, after each failure while closed, whether to open.
	// Default: five failures in a row.
	Trip func(Counts) bool

	// IsFailure classifies a call's error. Default: any non-nil error.
	IsFailure func(error) bool

	// OnChange is called with the breaker's lock held; it must not call
	// back into the breaker.
	OnChange func(name string, from, to State)
}

// Breaker stops calling a dependency that keeps failing and tries it
// again after a cooldown.
type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.TrialCalls == 0 {
		settings.TrialCalls = 1
	}
	if settings.Window <= 0 {
		settings.Window = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Trip == nil {
		settings.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	isFailure := settings.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:          name,
		MaxRequests:   settings.TrialCalls,
		Interval:      settings.Window,
		Timeout:       settings.Cooldown,
		ReadyToTrip:   settings.Trip,
		IsSuccessful:  func(err error) bool { return !isFailure(err) },
		OnStateChange: settings.OnChange,
	})}
}

func (b *Breaker) Name() string { return b.cb.Name() }

// State returns the current state, moving an open breaker whose cooldown
// ran out to half-open.
func (b *Breaker) State() State { return b.cb.State() }

// Counts returns a copy of the current counts. It does not roll a closed
// breaker's window over; State does.
func (b *Breaker) Counts() Counts { return b.cb.Counts() }

// Do calls fn through b. It returns ErrOpen or ErrTooManyCalls without
// calling fn when the breaker refuses. A panic in fn counts as a failure
// and is re-raised.
func Do[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) { return fn() })
	out, _ := v.(T)
	return out, err
}
