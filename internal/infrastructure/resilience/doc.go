// Package resilience provides the circuit breaker saltwaterctl puts in
// front of the daemon's introspection API, built on sony/gobreaker with a
// generic Do for typed results.
//
// A breaker starts closed. Failures are counted and, once Trip says so, the
// breaker opens and refuses calls with ErrOpen for the cooldown. It then
// goes half-open and lets TrialCalls calls through: if they all succeed it
// closes, the first failure opens it again.
//
//	closed --trip--> open --cooldown--> half-open --trials ok--> closed
//	                  ^                     |
//	                  +------failure--------+
//
// Usage:
//
//	b := resilience.New("daemon", resilience.Settings{Cooldown: 5 * time.Second})
//	health, err := resilience.Do(b, func() (Health, error) { return c.health(ctx) })
package resilience
