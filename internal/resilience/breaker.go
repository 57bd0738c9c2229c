package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped function.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position in its closed/open/half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip the breaker from closed
	// to open.
	FailureThreshold int
	// SuccessThreshold consecutive successes close the breaker from
	// half-open.
	SuccessThreshold int
	// OpenTimeout is how long the breaker short-circuits before allowing
	// a probe through.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig matches the production settings for the generation
// API: trip after 3 failures, probe after 30s, close after 2 successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker gates calls to a single named external resource. In the open
// state every call fails fast with ErrCircuitOpen until the timeout
// elapses; then exactly one probe is allowed through (half-open). A
// half-open failure reopens the breaker and restarts the timeout.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return NewBreakerWithClock(cfg, time.Now)
}

func NewBreakerWithClock(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: now, state: StateClosed}
}

// State reports the current state, accounting for an elapsed open timeout.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn under the breaker's gate.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrCircuitOpen
		}
		// Timeout elapsed: allow a single probe.
		b.state = StateHalfOpen
		b.successes = 0
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		b.probing = false
		if !success {
			b.trip()
			return
		}
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	case StateOpen:
		// A call admitted before the trip completed; nothing to track.
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probing = false
}

// Registry memoizes one breaker per resource name. It is an explicit
// dependency handed to services, not package-level state.
type Registry struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg BreakerConfig) *Registry {
	return NewRegistryWithClock(cfg, time.Now)
}

func NewRegistryWithClock(cfg BreakerConfig, now func() time.Time) *Registry {
	return &Registry{cfg: cfg, now: now, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use. Repeated
// calls share the same instance.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreakerWithClock(r.cfg, r.now)
		r.breakers[name] = b
	}
	return b
}
