// Package errors implements the closed error taxonomy that crosses the
// client's public boundary. Every failure the engine itself produces
// embeds *BaseError so callers can rely on a stable Code() string while
// still being able to errors.As into the concrete kind for its typed
// fields. The one exception is a caller cancellation observed during a
// backoff wait, which is returned as the context's own error.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Severity classifies how alarming an error is, independent of its kind.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// BaseError is the common shape embedded by every error kind in the
// taxonomy. Code is stable across versions and is the primary thing
// callers should switch on.
type BaseError struct {
	Code       string
	Message    string
	Severity   Severity
	Timestamp  time.Time
	Details    map[string]any
	Cause      error
	Retryable  bool
	RetryAfter *time.Duration
}

func newBase(code, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Severity:  SeverityError,
		Timestamp: time.Now(),
		Details:   make(map[string]any),
	}
}

func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BaseError) Unwrap() error { return e.Cause }

func (e *BaseError) WithDetail(key string, value any) *BaseError {
	e.Details[key] = value
	return e
}

func (e *BaseError) WithCause(cause error) *BaseError {
	e.Cause = cause
	return e
}

func (e *BaseError) WithRetry(after time.Duration) *BaseError {
	e.Retryable = true
	e.RetryAfter = &after
	return e
}

// Kind is the set of stable codes the engine can return. It is closed:
// no caller-defined kinds are ever produced by this module.
type Kind string

const (
	KindNetwork            Kind = "NETWORK_ERROR"
	KindTimeout            Kind = "TIMEOUT_ERROR"
	KindRetryExhausted     Kind = "RETRY_EXHAUSTED"
	KindCircuitOpen        Kind = "CIRCUIT_OPEN"
	KindResponseValidation Kind = "RESPONSE_VALIDATION_ERROR"
	KindIntegrityViolation Kind = "INTEGRITY_VIOLATION"
	KindDeterministicState Kind = "DETERMINISTIC_STATE_ERROR"
)

// Coded is implemented by every error this module returns.
type Coded interface {
	error
	Code() string
}

// NetworkError covers transport failures, non-2xx responses, and the
// in-flight concurrency cap being exceeded.
type NetworkError struct {
	*BaseError
}

func NewNetworkError(message string) *NetworkError {
	return &NetworkError{BaseError: newBase(string(KindNetwork), message)}
}

func (e *NetworkError) Code() string { return string(KindNetwork) }

// TimeoutError is returned when a per-attempt deadline elapses.
type TimeoutError struct {
	*BaseError
	TimeoutMs int64
}

func NewTimeoutError(timeoutMs int64) *TimeoutError {
	return &TimeoutError{
		BaseError: newBase(string(KindTimeout), fmt.Sprintf("request timed out after %dms", timeoutMs)),
		TimeoutMs: timeoutMs,
	}
}

func (e *TimeoutError) Code() string { return string(KindTimeout) }

// RetryExhaustedError wraps the final underlying failure once the retry
// loop exits without success and maxAttempts > 1.
type RetryExhaustedError struct {
	*BaseError
	Attempts  int
	LastError error
}

func NewRetryExhaustedError(attempts int, lastErr error) *RetryExhaustedError {
	e := &RetryExhaustedError{
		BaseError: newBase(string(KindRetryExhausted), fmt.Sprintf("retry attempts exhausted after %d attempts", attempts)),
		Attempts:  attempts,
		LastError: lastErr,
	}
	e.Cause = lastErr
	return e
}

func (e *RetryExhaustedError) Code() string { return string(KindRetryExhausted) }
func (e *RetryExhaustedError) Unwrap() error { return e.LastError }

// CircuitOpenError is returned by the breaker's check when the circuit
// is OPEN or the half-open probe budget is exhausted.
type CircuitOpenError struct {
	*BaseError
}

func NewCircuitOpenError() *CircuitOpenError {
	return &CircuitOpenError{BaseError: newBase(string(KindCircuitOpen), "circuit breaker is open")}
}

func (e *CircuitOpenError) Code() string { return string(KindCircuitOpen) }

// ResponseValidationError is raised when a successful response fails the
// caller-supplied validator in strict mode.
type ResponseValidationError struct {
	*BaseError
	ValidationErrors []string
}

func NewResponseValidationError(message string, validationErrors []string) *ResponseValidationError {
	return &ResponseValidationError{
		BaseError:        newBase(string(KindResponseValidation), message),
		ValidationErrors: validationErrors,
	}
}

func (e *ResponseValidationError) Code() string { return string(KindResponseValidation) }

// IntegrityViolationError is raised when an idempotency key is reused
// with a body whose fingerprint differs from the one originally pinned.
type IntegrityViolationError struct {
	*BaseError
}

func NewIntegrityViolationError(message string) *IntegrityViolationError {
	return &IntegrityViolationError{BaseError: newBase(string(KindIntegrityViolation), message)}
}

func (e *IntegrityViolationError) Code() string { return string(KindIntegrityViolation) }

// DeterministicStateError is raised when the state machine is asked to
// perform a transition absent from its table. Its presence at runtime is
// a bug surface, not an expected outcome of normal operation.
type DeterministicStateError struct {
	*BaseError
	From string
	To   string
}

func NewDeterministicStateError(from, to string) *DeterministicStateError {
	return &DeterministicStateError{
		BaseError: newBase(string(KindDeterministicState), fmt.Sprintf("illegal state transition %s->%s", from, to)),
		From:      from,
		To:        to,
	}
}

func (e *DeterministicStateError) Code() string { return string(KindDeterministicState) }

// CodeOf returns the stable taxonomy code for any error produced by this
// module, or "" if err does not wrap a Coded error.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
