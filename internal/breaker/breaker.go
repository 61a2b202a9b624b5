// Package breaker implements the three-state circuit breaker (CLOSED,
// OPEN, HALF_OPEN) that gates attempts across requests sharing a client.
// The struct shape -- a mutex-guarded state machine with a small set of
// counters -- follows go-sdk/pkg/errors/circuit_breaker.go rather than
// the pure-atomic style in the zero-dependency autobreaker reference,
// because check/record here also need to take a logging/metrics side
// effect under the same critical section as the state transition.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/resilientkit/client/errors"
)

// State is one of the three breaker states.
type State string

const (
	Closed   State = "CLOSED"
	Open     State = "OPEN"
	HalfOpen State = "HALF_OPEN"
)

func (s State) String() string { return string(s) }

// Config mirrors BreakerConfig from the data model.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
}

// Breaker is a per-client, cross-request health gate.
type Breaker struct {
	cfg    Config
	logger *logrus.Logger

	mu            sync.Mutex
	state         State
	failures      int
	lastOpenedAt  time.Time
	halfOpenCalls int

	warnSometimes rate.Sometimes
}

// New constructs a breaker in the CLOSED state.
func New(cfg Config, logger *logrus.Logger) *Breaker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Breaker{
		cfg:           cfg,
		logger:        logger,
		state:         Closed,
		warnSometimes: rate.Sometimes{Interval: time.Second},
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure counter for the current
// closed epoch (§4.3's "failures counter semantics").
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Check gates one attempt. It returns a CircuitOpenError if the breaker
// rejects the attempt, transitioning OPEN->HALF_OPEN internally once the
// reset timeout has elapsed.
func (b *Breaker) Check() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if time.Since(b.lastOpenedAt) >= b.cfg.ResetTimeout {
			b.state = HalfOpen
			b.halfOpenCalls = 0
			b.logger.WithFields(logrus.Fields{"from": Open, "to": HalfOpen}).Debug("circuit breaker probing")
			b.halfOpenCalls++
			return nil
		}
		return errors.NewCircuitOpenError()
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return errors.NewCircuitOpenError()
		}
		b.halfOpenCalls++
		return nil
	default: // Closed
		return nil
	}
}

// RecordSuccess reports attempt success to the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.logger.WithField("state", Closed).Debug("circuit breaker closed after successful probe")
	case Closed:
		b.failures = 0
	case Open:
		// unreachable: Check would have gated the attempt before it ran.
	}
}

// RecordFailure reports attempt failure to the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++

	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case Open:
		// already open; nothing further to stamp
	}
}

// trip must be called with mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.lastOpenedAt = time.Now()
	b.warnSometimes.Do(func() {
		b.logger.WithFields(logrus.Fields{"failures": b.failures}).Warn("circuit breaker opened")
	})
}
