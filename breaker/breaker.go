// Package breaker implements a per-endpoint circuit breaker guarding the
// SMTP connection pool and prober from hammering a slow or failing MX host.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/13Dev-07/emailv/errs"
)

// State is one vertex of the CLOSED/HALF_OPEN/OPEN state machine of spec
// §4.3.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config parameterizes one endpoint's breaker.
type Config struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxInFlight int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxInFlight <= 0 {
		c.HalfOpenMaxInFlight = 1
	}
	return c
}

// Breaker serializes state transitions for a single endpoint behind a
// mutex; the transition table exactly mirrors spec §4.3.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failCount        int
	openedAt         time.Time
	halfOpenInFlight int
}

// New constructs a breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// State reports the current state, first applying the OPEN→HALF_OPEN
// recovery-timeout transition if due. Calling State does not itself count
// as a call attempt.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked()
	return b.state
}

func (b *Breaker) maybeRecoverLocked() {
	if b.state == Open && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = HalfOpen
		b.halfOpenInFlight = 0
	}
}

// Call runs op unless the breaker rejects it outright. Rejection returns
// errs.BreakerOpen without invoking op.
func (b *Breaker) Call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)

	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed, advancing the state machine and
// reserving a half-open slot if applicable.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeRecoverLocked()

	switch b.state {
	case Open:
		return errs.New(errs.BreakerOpen, "breaker.Call", nil)
	case HalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxInFlight {
			return errs.New(errs.BreakerOpen, "breaker.Call", nil)
		}
		b.halfOpenInFlight++
		return nil
	default: // Closed
		return nil
	}
}

// record applies the outcome of an admitted call to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight--
		if success {
			b.state = Closed
			b.failCount = 0
		} else {
			b.state = Open
			b.openedAt = time.Now()
		}
	case Closed:
		if success {
			b.failCount = 0
			return
		}
		b.failCount++
		if b.failCount >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	case Open:
		// admit() never admits a call while Open, but another call's
		// failure can trip the breaker between this call's admit and its
		// record. Such a late outcome is ignored.
	}
}

// Registry holds one Breaker per endpoint, created lazily.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry whose breakers all share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg.withDefaults(), breakers: make(map[string]*Breaker)}
}

// For returns the breaker for endpoint ep, creating it on first use.
func (r *Registry) For(ep string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[ep]
	if !ok {
		b = New(r.cfg)
		r.breakers[ep] = b
	}
	return b
}

// Snapshot returns the current state of every known endpoint.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for ep, b := range r.breakers {
		out[ep] = b.State()
	}
	return out
}
