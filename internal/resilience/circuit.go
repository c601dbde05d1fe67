// Package resilience provides per-tier circuit breakers and retry with
// backoff for provider calls.
package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rate-remediator/internal/config"
	"github.com/sells-group/rate-remediator/internal/model"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed attempts that
	// opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes is the number of successful probes that close it again.
	HalfOpenMaxProbes int
	// OnStateChange is called on every transition, under the breaker lock.
	OnStateChange func(name string, from, to CircuitState)
}

// BreakerConfigFrom converts the circuit config section, filling defaults.
func BreakerConfigFrom(c config.CircuitConfig) BreakerConfig {
	cfg := BreakerConfig{
		FailureThreshold:  c.FailureThreshold,
		ResetTimeout:      time.Duration(c.ResetTimeoutSecs) * time.Second,
		HalfOpenMaxProbes: c.HalfOpenMaxProbes,
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return cfg
}

// Breaker is a circuit breaker for one tier. Tier workers report outcomes
// rather than errors, so callers ask Allow before a call and Record after.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	mu    sync.Mutex
	state CircuitState

	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenSuccesses   int

	nowFunc func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return &Breaker{name: name, cfg: cfg, state: CircuitClosed, nowFunc: time.Now}
}

// Allow returns ErrCircuitOpen while the circuit is open. An open circuit
// whose reset timeout elapsed moves to half-open and lets the call probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if b.nowFunc().Sub(b.lastFailureTime) < b.cfg.ResetTimeout {
			return eris.Wrapf(ErrCircuitOpen, "%s", b.name)
		}
		b.transition(CircuitHalfOpen)
	}
	return nil
}

// Record reports the result of an allowed call. Only provider failures
// should count; a gap that simply had no data is a success for the breaker.
func (b *Breaker) Record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		switch b.state {
		case CircuitHalfOpen:
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxProbes {
				b.transition(CircuitClosed)
				b.consecutiveFailures = 0
				b.halfOpenSuccesses = 0
			}
		case CircuitClosed:
			b.consecutiveFailures = 0
		}
		return
	}

	b.consecutiveFailures++
	b.lastFailureTime = b.nowFunc()

	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
		b.halfOpenSuccesses = 0
	}
}

// State returns the current state, reporting half-open for an open circuit
// that would admit a probe.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Reset forces the circuit closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	if b.state != CircuitClosed {
		b.transition(CircuitClosed)
	}
}

func (b *Breaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// TierBreakers holds one breaker per worker type.
type TierBreakers struct {
	mu       sync.RWMutex
	breakers map[model.WorkerType]*Breaker
	cfg      BreakerConfig
}

// NewTierBreakers creates an empty registry.
func NewTierBreakers(cfg BreakerConfig) *TierBreakers {
	return &TierBreakers{breakers: make(map[model.WorkerType]*Breaker), cfg: cfg}
}

// Get returns the breaker for worker, creating it on first use.
func (tb *TierBreakers) Get(worker model.WorkerType) *Breaker {
	tb.mu.RLock()
	b, ok := tb.breakers[worker]
	tb.mu.RUnlock()
	if ok {
		return b
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if b, ok = tb.breakers[worker]; ok {
		return b
	}
	b = NewBreaker(string(worker), tb.cfg)
	tb.breakers[worker] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (tb *TierBreakers) States() map[model.WorkerType]CircuitState {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	states := make(map[model.WorkerType]CircuitState, len(tb.breakers))
	for w, b := range tb.breakers {
		states[w] = b.State()
	}
	return states
}
