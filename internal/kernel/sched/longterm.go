package sched

import (
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/saltwater/internal/kernel/proc"
)

// Weights turns effective priorities into scheduling weights.
type Weights struct {
	Base     uint64 `json:"base"`
	MaxBoost uint64 `json:"max_boost"`
}

// DefaultWeights gives every thread at priority 0 a weight of 100.
var DefaultWeights = Weights{Base: 100, MaxBoost: 900}

// Of returns the weight of t.
func (w Weights) Of(t *proc.Thread) uint64 {
	return w.Base + min(t.Priority(), w.MaxBoost)
}

// Candidate is a ready thread found by a scan.
type Candidate struct {
	Thread *proc.Thread
	Weight uint64
}

// LongTerm periodically rebuilds the per-core queues from the whole
// process tree.
type LongTerm struct {
	weights  Weights
	limiter  *rate.Limiter
	observer Observer
	logger   *zap.Logger
}

// LongTermOption configures a LongTerm.
type LongTermOption func(*LongTerm)

// WithWeights overrides DefaultWeights.
func WithWeights(w Weights) LongTermOption {
	return func(l *LongTerm) { l.weights = w }
}

// WithInterval limits rebalancing to once per every, with the given burst.
// A zero interval removes the limit.
func WithInterval(every time.Duration, burst int) LongTermOption {
	return func(l *LongTerm) {
		if every <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		l.limiter = rate.NewLimiter(rate.Every(every), max(burst, 1))
	}
}

// NewLongTerm creates a long-term scheduler that rebalances at most every
// 50ms by default.
func NewLongTerm(logger *zap.Logger, observer Observer, opts ...LongTermOption) *LongTerm {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &LongTerm{
		weights:  DefaultWeights,
		limiter:  rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		observer: observer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Weights returns the weights in use.
func (l *LongTerm) Weights() Weights { return l.weights }

// Scan walks the tree under root depth first, refreshes inherited
// priorities and returns every Ready thread with its weight. Scanning does
// not change scheduler state, so repeated scans agree.
func (l *LongTerm) Scan(root *proc.Process) []Candidate {
	var out []Candidate
	root.Walk(func(p *proc.Process) {
		if p.Exited() {
			return
		}
		p.Reprioritise()
		for _, t := range p.Threads() {
			if t.Status().State == proc.Ready {
				out = append(out, Candidate{Thread: t, Weight: l.weights.Of(t)})
			}
		}
	})
	return out
}

// Rebalance redistributes ready threads over the registry's cores unless
// the rate limit says it ran too recently. It reports how many threads
// were placed and whether it ran.
func (l *LongTerm) Rebalance(reg *Registry, root *proc.Process) (int, bool) {
	if !l.limiter.Allow() {
		return 0, false
	}
	n := l.Redistribute(reg, root)
	if l.observer != nil {
		l.observer.Rebalanced(n)
	}
	return n, true
}

// Redistribute drains every core and hands the pool back out, heaviest
// thread first onto the core with the least queued weight.
func (l *LongTerm) Redistribute(reg *Registry, root *proc.Process) int {
	seen := make(map[*proc.Thread]struct{})
	var pool []Candidate
	add := func(c Candidate) {
		if _, ok := seen[c.Thread]; ok {
			return
		}
		seen[c.Thread] = struct{}{}
		pool = append(pool, c)
	}

	for _, t := range reg.Drain() {
		if t.Status().State == proc.Ready {
			add(Candidate{Thread: t, Weight: l.weights.Of(t)})
		}
	}
	for _, c := range l.Scan(root) {
		add(c)
	}

	slices.SortStableFunc(pool, func(a, b Candidate) int {
		switch {
		case a.Weight > b.Weight:
			return -1
		case a.Weight < b.Weight:
			return 1
		}
		return 0
	})

	procs := reg.Processors()
	if len(procs) == 0 {
		return 0
	}
	load := make([]uint64, len(procs))
	for _, c := range pool {
		lightest := 0
		for i := 1; i < len(load); i++ {
			if load[i] < load[lightest] {
				lightest = i
			}
		}
		load[lightest] += c.Weight
		procs[lightest].Scheduler.Enqueue(c.Thread)
	}
	reg.signalAll()

	weighted := make([]float64, len(load))
	for i, w := range load {
		weighted[i] = float64(w)
	}
	l.logger.Debug("rebalanced",
		zap.Int("threads", len(pool)),
		zap.Uint64s("load", load),
		zap.Float64("imbalance", Imbalance(weighted)),
	)
	return len(pool)
}
