// Package hooks implements the fire-and-isolate observer table (§4.9).
// Hook panics are recovered and logged, never surfaced, following the
// panic-isolating wrapper pattern in
// _examples/1mb-dev-autobreaker/internal/breaker/panic_recovery.go
// (safeCallOnStateChange et al.), adapted to this module's six named
// hooks instead of the breaker's three callback slots.
package hooks

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Context is the information every hook receives about the call it is
// observing.
type Context struct {
	Method    string
	URL       string
	Attempt   int
	RequestID string
}

// Table is the merged set of observer callbacks a client runs. Any
// field left nil is simply not invoked.
type Table struct {
	OnBeforeRequest func(ctx Context)
	OnAfterResponse func(ctx Context, response any)
	OnRetry         func(ctx Context, err error)
	OnCircuitOpen   func(ctx Context)
	OnError         func(ctx Context, err error)
	OnCancel        func(ctx Context)
}

// Runner owns the current merged Table and exposes panic-isolated
// invocations of each hook.
type Runner struct {
	mu     sync.RWMutex
	table  Table
	logger *logrus.Logger
}

// NewRunner returns a Runner with an empty hook table.
func NewRunner(logger *logrus.Logger) *Runner {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runner{logger: logger}
}

// Use merges partial into the current table; fields set on partial
// override the corresponding field in the existing table. Later Use
// calls win over earlier ones for the same field, consistent with
// "last-write-wins for observers" (§5).
func (r *Runner) Use(partial Table) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if partial.OnBeforeRequest != nil {
		r.table.OnBeforeRequest = partial.OnBeforeRequest
	}
	if partial.OnAfterResponse != nil {
		r.table.OnAfterResponse = partial.OnAfterResponse
	}
	if partial.OnRetry != nil {
		r.table.OnRetry = partial.OnRetry
	}
	if partial.OnCircuitOpen != nil {
		r.table.OnCircuitOpen = partial.OnCircuitOpen
	}
	if partial.OnError != nil {
		r.table.OnError = partial.OnError
	}
	if partial.OnCancel != nil {
		r.table.OnCancel = partial.OnCancel
	}
}

func (r *Runner) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{"hook": name, "panic": rec}).Debug("hook panicked, outcome unaffected")
		}
	}()
	fn()
}

func (r *Runner) current() Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

func (r *Runner) BeforeRequest(ctx Context) {
	t := r.current()
	r.safeCall("onBeforeRequest", func() {
		if t.OnBeforeRequest != nil {
			t.OnBeforeRequest(ctx)
		}
	})
}

func (r *Runner) AfterResponse(ctx Context, response any) {
	t := r.current()
	r.safeCall("onAfterResponse", func() {
		if t.OnAfterResponse != nil {
			t.OnAfterResponse(ctx, response)
		}
	})
}

func (r *Runner) Retry(ctx Context, err error) {
	t := r.current()
	r.safeCall("onRetry", func() {
		if t.OnRetry != nil {
			t.OnRetry(ctx, err)
		}
	})
}

func (r *Runner) CircuitOpen(ctx Context) {
	t := r.current()
	r.safeCall("onCircuitOpen", func() {
		if t.OnCircuitOpen != nil {
			t.OnCircuitOpen(ctx)
		}
	})
}

func (r *Runner) Error(ctx Context, err error) {
	t := r.current()
	r.safeCall("onError", func() {
		if t.OnError != nil {
			t.OnError(ctx, err)
		}
	})
}

func (r *Runner) Cancel(ctx Context) {
	t := r.current()
	r.safeCall("onCancel", func() {
		if t.OnCancel != nil {
			t.OnCancel(ctx)
		}
	})
}
