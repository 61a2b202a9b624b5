// Package timeout binds a per-attempt deadline to a cancellable
// operation, distinguishing "the deadline elapsed" from "the caller's
// own context was cancelled" so the engine can tell a TIMEOUT_ERROR
// apart from a CANCELLED outcome (§4.5, §5).
package timeout

import (
	"context"
	"time"

	"github.com/resilientkit/client/errors"
)

// Outcome classifies why Run returned, beyond the plain error value.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeTimedOut
	OutcomeCancelled
)

// Run executes op under a deadline of ms milliseconds derived from
// parent. If parent is cancelled before op finishes and before the
// deadline elapses, Outcome is OutcomeCancelled and the returned error
// is parent's own error (the caller's cancellation wins ties, per §5).
// If the deadline elapses first, Outcome is OutcomeTimedOut and the
// error is a TimeoutError carrying ms.
func Run(parent context.Context, ms int64, op func(ctx context.Context) (any, error)) (any, Outcome, error) {
	ctx, cancel := context.WithTimeout(parent, time.Duration(ms)*time.Millisecond)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		v, err := op(ctx)
		resultCh <- result{v, err}
	}()

	select {
	case r := <-resultCh:
		return r.value, OutcomeCompleted, r.err
	case <-ctx.Done():
		if parent.Err() != nil {
			// The caller's own signal fired (or raced with the deadline);
			// caller-cancellation wins ties over deadline expiry.
			return nil, OutcomeCancelled, parent.Err()
		}
		return nil, OutcomeTimedOut, errors.NewTimeoutError(ms)
	}
}
