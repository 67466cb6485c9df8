package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	loopfsm "github.com/looplab/fsm"
)

// States of the three-position machine.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Events that move the machine between states.
const (
	eventTrip    = "trip"    // closed/half_open → open
	eventProbe   = "probe"   // open → half_open, first call after the timeout
	eventRestore = "restore" // half_open → closed, successful probe
)

// transitions is the full state graph, consumed by looplab/fsm.
var transitions = []loopfsm.EventDesc{
	{Name: eventTrip, Src: []string{StateClosed, StateHalfOpen}, Dst: StateOpen},
	{Name: eventProbe, Src: []string{StateOpen}, Dst: StateHalfOpen},
	{Name: eventRestore, Src: []string{StateHalfOpen}, Dst: StateClosed},
}

// Config holds the thresholds for one breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker CLOSED → OPEN.
	FailureThreshold int
	// Timeout is how long the breaker stays OPEN before admitting a probe.
	Timeout time.Duration
	// HalfOpenMaxCalls caps the probes admitted while HALF_OPEN before the
	// breaker behaves as OPEN again.
	HalfOpenMaxCalls int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	return c
}

// OpenError is returned for calls rejected without reaching the backend.
type OpenError struct {
	Name  string
	State string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s; call rejected", e.Name, e.State)
}

// Breaker isolates one downstream dependency. The lock guards only the
// breaker's own bookkeeping; the guarded call runs without it, so a slow
// backend never serializes unrelated requests.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	machine       *loopfsm.FSM
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
	now           func() time.Time
}

// New creates a closed breaker with the given thresholds.
func New(name string, cfg Config) *Breaker {
	return NewWithClock(name, cfg, time.Now)
}

// NewWithClock creates a breaker reading time from now. Tests use this to
// step through timeout windows without sleeping.
func NewWithClock(name string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		machine: loopfsm.NewFSM(StateClosed, transitions, nil),
		now:     now,
	}
}

// Call runs fn under the breaker. While OPEN (or HALF_OPEN at its probe
// cap) it fails immediately with an *OpenError, without invoking fn.
// Otherwise fn's error is returned unchanged after bookkeeping: the breaker
// never swallows the underlying fault.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(ctx); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(ctx, err)
	return err
}

// admit decides whether a call may proceed, transitioning OPEN → HALF_OPEN
// on the first attempt after the timeout has elapsed.
func (b *Breaker) admit(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.machine.Current() {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.cfg.Timeout {
			return &OpenError{Name: b.name, State: StateOpen}
		}
		if err := b.fire(ctx, eventProbe); err != nil {
			return err
		}
		b.halfOpenCalls = 1
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return &OpenError{Name: b.name, State: StateHalfOpen}
		}
		b.halfOpenCalls++
	}
	return nil
}

// record updates counters and state from one call outcome.
func (b *Breaker) record(ctx context.Context, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if callErr == nil {
		b.successes++
		switch b.machine.Current() {
		case StateHalfOpen:
			// Successful probe: back to normal with counters cleared.
			_ = b.fire(ctx, eventRestore)
			b.failures = 0
			b.successes = 0
			b.halfOpenCalls = 0
		case StateClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()

	switch b.machine.Current() {
	case StateHalfOpen:
		// Failed probe: reopen, restarting the timeout clock.
		_ = b.fire(ctx, eventTrip)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			_ = b.fire(ctx, eventTrip)
		}
	}
}

// fire applies a state machine event, tolerating no-op transitions.
func (b *Breaker) fire(ctx context.Context, event string) error {
	if err := b.machine.Event(ctx, event); err != nil {
		var noTransition loopfsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("breaker %q: firing %q: %w", b.name, event, err)
	}
	return nil
}

// Name returns the circuit's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state string.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.machine.Current()
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// Stats returns a snapshot of the breaker's counters and state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.machine.Current(),
		FailureCount:    b.failures,
		SuccessCount:    b.successes,
		LastFailureTime: b.lastFailure,
	}
}

// Reset forces the breaker CLOSED unconditionally and clears its counters.
// Operator action; also useful after a known backend recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.machine.SetState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
}
