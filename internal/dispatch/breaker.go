package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/assent/model"
)

// ErrCircuitOpen is returned without calling the wrapped notifier while the
// breaker is open.
var ErrCircuitOpen = errors.New("dispatch: notifier circuit is open")

// BreakerState represents the current state of a BreakerNotifier.
type BreakerState int

const (
	// BreakerClosed passes every notification through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen fails notifications immediately.
	BreakerOpen
	// BreakerHalfOpen lets notifications through as probes.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerNotifier wraps a Notifier with a circuit breaker so that a broker
// outage fails deliveries fast instead of stalling every transition. It
// trips after failureThreshold consecutive failures, stays open for
// openFor, then closes again after successThreshold successful probes.
type BreakerNotifier struct {
	next Notifier

	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	openFor          time.Duration
	openedAt         time.Time

	now           func() time.Time
	onStateChange func(from, to BreakerState)
}

// NewBreakerNotifier creates a breaker around next. Non-positive arguments
// fall back to 5 failures, 2 successes and 30 seconds.
func NewBreakerNotifier(next Notifier, failureThreshold, successThreshold int, openFor time.Duration) *BreakerNotifier {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &BreakerNotifier{
		next:             next,
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openFor:          openFor,
		now:              time.Now,
		onStateChange:    func(BreakerState, BreakerState) {},
	}
}

// OnStateChange registers fn to be called, under the breaker lock, whenever
// the state changes.
func (b *BreakerNotifier) OnStateChange(fn func(from, to BreakerState)) {
	if fn != nil {
		b.onStateChange = fn
	}
}

// Notify implements Notifier.
func (b *BreakerNotifier) Notify(ctx context.Context, n model.NotifyActor) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.next.Notify(ctx, n)
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *BreakerNotifier) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// HealthCheck reports ErrCircuitOpen while open and otherwise delegates to
// the wrapped notifier when it supports health checks.
func (b *BreakerNotifier) HealthCheck(ctx context.Context) error {
	if b.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	if hc, ok := b.next.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (b *BreakerNotifier) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	if b.state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *BreakerNotifier) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.successThreshold {
				b.failures = 0
				b.successes = 0
				b.setState(BreakerClosed)
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		// A failed probe reopens immediately.
		b.trip()
	}
}

// trip opens the breaker. Must be called with the lock held.
func (b *BreakerNotifier) trip() {
	b.openedAt = b.now()
	b.successes = 0
	b.setState(BreakerOpen)
}

// maybeHalfOpen moves an expired open breaker to half-open. Must be called
// with the lock held.
func (b *BreakerNotifier) maybeHalfOpen() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.openFor {
		b.successes = 0
		b.setState(BreakerHalfOpen)
	}
}

func (b *BreakerNotifier) setState(to BreakerState) {
	if from := b.state; from != to {
		b.state = to
		b.onStateChange(from, to)
	}
}
