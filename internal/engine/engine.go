// Package engine implements the request execution orchestration (§4.8):
// dedup gate, state machine advancement, header composition, the
// attempt/retry loop, breaker coordination, timeout binding, and sample
// recording around a pluggable transport. Its shape is grounded on
// go-sdk/pkg/client/resilience.go's ResilienceManager.Execute, which
// composes retry + circuit breaker + metrics around an injected
// operation the same way this Engine composes them around a transport
// call.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/resilientkit/client/errors"
	"github.com/resilientkit/client/internal/backoff"
	"github.com/resilientkit/client/internal/breaker"
	"github.com/resilientkit/client/internal/dedupe"
	"github.com/resilientkit/client/internal/hooks"
	"github.com/resilientkit/client/internal/integrity"
	"github.com/resilientkit/client/internal/metrics"
	"github.com/resilientkit/client/internal/statemachine"
	"github.com/resilientkit/client/internal/timeout"
	"github.com/resilientkit/client/transport"
)

// MaxConcurrentRequests bounds in-flight attempts per engine (§3).
const MaxConcurrentRequests = 100

// DefaultTimeoutMs is used when neither the per-request nor the client
// default timeout is set.
const DefaultTimeoutMs = 30000

// ProtocolMode selects whether idempotency headers and integrity
// enforcement are applied.
type ProtocolMode string

const (
	ProtocolStandard   ProtocolMode = "standard"
	ProtocolIdempotent ProtocolMode = "idempotent"
)

// ClientMode selects whether a supplied validator is actually invoked.
type ClientMode string

const (
	ModeStrict      ClientMode = "strict"
	ModePerformance ClientMode = "performance"
)

// Config is the engine's immutable-after-construction configuration.
type Config struct {
	BaseURL          string
	DefaultTimeoutMs int64
	DefaultHeaders   map[string]string
	Retry            backoff.Config
	Breaker          breaker.Config
	DedupeEnabled    bool
	ProtocolMode     ProtocolMode
	ClientMode       ClientMode
	Transport        transport.Transport
	Tracer           trace.Tracer
	Logger           *logrus.Logger
	Integrity        *integrity.Registry // nil means private to this engine
}

// Descriptor is the caller's request, independent of the response's
// generic payload type (generics live at the public client.Request[T]
// boundary; this package deals only in `any`).
type Descriptor struct {
	Method         string
	URL            string
	Body           any // nil means no body
	HasBody        bool
	Headers        map[string]string
	IdempotencyKey *string
	TimeoutMs      *int64
}

// Result is the engine's raw, untyped successful outcome.
type Result struct {
	Data      any
	Status    int
	Headers   map[string]string
	RequestID string
	Attempt   int
	LatencyMs int64
}

// Health is the client-facing snapshot described in §6.
type Health struct {
	CircuitState     string
	RecentFailures   int
	AverageLatencyMs float64
}

// Validate, when supplied, is invoked on a successful response's decoded
// body in strict mode. It returns the (possibly re-typed) value to place
// on the Result, or an error if the shape is unacceptable.
type Validate func(data any) (any, error)

// Engine orchestrates everything around a transport call.
type Engine struct {
	cfg        Config
	breaker    *breaker.Breaker
	dedupe     *dedupe.Map
	integrity  *integrity.Registry
	metricsBuf *metrics.Buffer
	hookRunner *hooks.Runner
	sem        *semaphore.Weighted
	logger     *logrus.Logger
	tracer     trace.Tracer
	inFlight   atomic.Int64
}

// New constructs an Engine from cfg, filling in documented defaults.
func New(cfg Config) *Engine {
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = DefaultTimeoutMs
	}
	if cfg.DefaultHeaders == nil {
		cfg.DefaultHeaders = map[string]string{}
	}
	if cfg.ProtocolMode == "" {
		cfg.ProtocolMode = ProtocolStandard
	}
	if cfg.ClientMode == "" {
		cfg.ClientMode = ModeStrict
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = backoff.DefaultConfig()
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = breaker.Config{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}
	}

	reg := cfg.Integrity
	if reg == nil {
		reg = integrity.New()
	}

	return &Engine{
		cfg:        cfg,
		breaker:    breaker.New(cfg.Breaker, cfg.Logger),
		dedupe:     dedupe.New(),
		integrity:  reg,
		metricsBuf: metrics.NewBuffer(),
		hookRunner: hooks.NewRunner(cfg.Logger),
		sem:        semaphore.NewWeighted(MaxConcurrentRequests),
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
}

// Use merges hook overrides into the engine's hook table.
func (e *Engine) Use(t hooks.Table) { e.hookRunner.Use(t) }

// Health reports the client-facing snapshot (§6). recentFailures is the
// breaker's consecutive-failure counter, not the metrics-window failure
// count -- SPEC_FULL.md §9 resolves these as two deliberately distinct
// notions; the window-based count is available via PrometheusCollector.
func (e *Engine) Health() Health {
	return Health{
		CircuitState:     string(e.breaker.State()),
		RecentFailures:   e.breaker.Failures(),
		AverageLatencyMs: e.metricsBuf.AverageLatencyMs(),
	}
}

// PrometheusCollector exposes the engine's aggregates for registration
// with a host process's Prometheus registry (§2b/§6 ambient addition).
func (e *Engine) PrometheusCollector() *metrics.Collector {
	return metrics.NewCollector(
		e.metricsBuf,
		func() float64 {
			switch e.breaker.State() {
			case breaker.Closed:
				return 0
			case breaker.HalfOpen:
				return 1
			default:
				return 2
			}
		},
		func() float64 { return float64(e.inFlight.Load()) },
	)
}

func isAbsoluteURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func (e *Engine) resolveURL(url string) string {
	if isAbsoluteURL(url) {
		return url
	}
	return e.cfg.BaseURL + url
}

func isGetOrHead(method string) bool {
	m := strings.ToUpper(method)
	return m == "GET" || m == "HEAD"
}

// canonicalBody returns the stable byte form of body used both for the
// dedup fingerprint and the integrity fingerprint.
func canonicalBody(hasBody bool, body any) []byte {
	if !hasBody {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil
	}
	return b
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	id := uuid.New()
	raw := id[:]
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(alphabet[int(raw[i%len(raw)])%36])
	}
	return sb.String()
}

// GenerateRequestID produces an opaque identifier of the form
// "req_<millis>_<7 base36 chars>" (§6).
func GenerateRequestID() string {
	return "req_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + randomBase36(7)
}

// GenerateIdempotencyKey produces an opaque key of the form
// "idem_<millis>_<9 base36 chars>" (§6).
func GenerateIdempotencyKey() string {
	return "idem_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + randomBase36(9)
}

func dedupeKey(method, url string, fingerprint []byte) string {
	return method + ":" + url + ":" + integrity.Fingerprint(fingerprint)
}

// Execute runs a single logical request to completion, applying dedup,
// retries, the circuit breaker, timeouts, and idempotency enforcement as
// configured, returning the engine's raw (untyped) result.
func (e *Engine) Execute(ctx context.Context, desc Descriptor, validate Validate) (*Result, error) {
	method := strings.ToUpper(desc.Method)
	url := e.resolveURL(desc.URL)

	effectiveTimeout := e.cfg.DefaultTimeoutMs
	if desc.TimeoutMs != nil {
		effectiveTimeout = *desc.TimeoutMs
	}
	if effectiveTimeout <= 0 {
		effectiveTimeout = DefaultTimeoutMs
	}

	// Dedup only ever applies to single-attempt calls; a retrying request
	// keeps its own private attempt loop rather than sharing one with
	// concurrent callers. Intentional, see DESIGN.md open question 4.
	dedupeEligible := e.cfg.DedupeEnabled && isGetOrHead(method) && e.cfg.Retry.MaxAttempts <= 1
	var dkey string
	if dedupeEligible {
		dkey = dedupeKey(method, url, canonicalBody(desc.HasBody, desc.Body))
		entry, created := e.dedupe.GetOrCreate(dkey)
		if !created {
			<-entry.Done
			if entry.Err != nil {
				return nil, entry.Err
			}
			res, _ := entry.Response.(*Result)
			return res, nil
		}
		result, err := e.runLifecycle(ctx, method, url, desc, effectiveTimeout, validate)
		entry.Settle(result, err)
		e.dedupe.Delete(dkey)
		return result, err
	}

	return e.runLifecycle(ctx, method, url, desc, effectiveTimeout, validate)
}

func (e *Engine) runLifecycle(ctx context.Context, method, url string, desc Descriptor, effectiveTimeoutMs int64, validate Validate) (*Result, error) {
	requestID := GenerateRequestID()
	sm := statemachine.New()
	if err := sm.Transition(statemachine.PENDING); err != nil {
		return nil, err
	}

	// Resolved once per logical call, not per attempt: an idempotency key
	// pins the fingerprint of the body across a request's own retries, so
	// an auto-generated key must stay stable across attempts just as a
	// caller-supplied one does.
	var idemKey string
	if e.cfg.ProtocolMode == ProtocolIdempotent {
		if desc.IdempotencyKey != nil {
			idemKey = *desc.IdempotencyKey
		} else {
			idemKey = GenerateIdempotencyKey()
		}
	}

	maxAttempts := e.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		hookCtx := hooks.Context{Method: method, URL: url, Attempt: attempt, RequestID: requestID}

		// Step 5a: the in-flight cap and its enforcement mechanism are the
		// same semaphore acquire used at step 5h -- TryAcquire failing is
		// exactly "counter >= 100", so one call serves both.
		if !e.sem.TryAcquire(1) {
			lastErr = errors.NewNetworkError("max concurrent requests exceeded")
			_ = sm.Transition(statemachine.ERROR)
			e.hookRunner.Error(hookCtx, lastErr)
			return nil, lastErr
		}

		if err := e.breaker.Check(); err != nil {
			e.sem.Release(1)
			e.hookRunner.CircuitOpen(hookCtx)
			_ = sm.Transition(statemachine.ERROR)
			return nil, err
		}

		e.hookRunner.BeforeRequest(hookCtx)

		result, outcome, oErr := e.runAttempt(ctx, method, url, desc, requestID, idemKey, attempt, effectiveTimeoutMs, validate, hookCtx)
		e.sem.Release(1)

		switch outcome {
		case outcomeSuccess:
			_ = sm.Transition(statemachine.SUCCESS)
			e.hookRunner.AfterResponse(hookCtx, result)
			return result, nil

		case outcomeValidationFailed:
			_ = sm.Transition(statemachine.ERROR)
			e.hookRunner.Error(hookCtx, oErr)
			return nil, oErr

		case outcomeCancelled:
			_ = sm.Transition(statemachine.CANCELLED)
			e.hookRunner.Cancel(hookCtx)
			return nil, oErr

		case outcomeRetryable:
			lastErr = oErr
			if attempt < maxAttempts {
				if err := sm.Transition(statemachine.RETRYING); err != nil {
					return nil, err
				}
				e.hookRunner.Retry(hookCtx, oErr)

				delay := backoff.ComputeDelay(e.cfg.Retry, attempt)
				if sleepErr := backoff.Sleep(ctx, delay); sleepErr != nil {
					_ = sm.Transition(statemachine.CANCELLED)
					e.hookRunner.Cancel(hookCtx)
					return nil, sleepErr
				}
				if err := sm.Transition(statemachine.PENDING); err != nil {
					return nil, err
				}
				continue
			}
			// fall through to terminal handling below

		case outcomeTerminal:
			lastErr = oErr
			// An integrity violation short-circuits the retry loop and is
			// returned unwrapped, like a circuit-open or validation failure.
			if errors.CodeOf(oErr) == string(errors.KindIntegrityViolation) {
				_ = sm.Transition(statemachine.ERROR)
				e.hookRunner.Error(hookCtx, oErr)
				return nil, oErr
			}
		}

		// Loop exits without a return: exhausted attempts or a
		// non-retryable terminal failure.
		_ = sm.Transition(statemachine.ERROR)
		if maxAttempts <= 1 {
			if lastErr == nil {
				lastErr = errors.NewNetworkError("Request failed")
			}
			e.hookRunner.Error(hookCtx, lastErr)
			return nil, lastErr
		}
		wrapped := errors.NewRetryExhaustedError(maxAttempts, lastErr)
		e.hookRunner.Error(hookCtx, wrapped)
		return nil, wrapped
	}

	// Unreachable: the loop above always returns before falling off the
	// end, but Go requires a final return.
	return nil, errors.NewNetworkError("Request failed")
}

type attemptOutcome int

const (
	outcomeSuccess attemptOutcome = iota
	outcomeRetryable
	outcomeTerminal
	outcomeValidationFailed
	outcomeCancelled
)

// runAttempt performs exactly one transport call and classifies its
// outcome. It owns in-flight accounting and span lifecycle for the
// attempt.
func (e *Engine) runAttempt(
	ctx context.Context,
	method, url string,
	desc Descriptor,
	requestID string,
	idemKey string,
	attempt int,
	effectiveTimeoutMs int64,
	validate Validate,
	hookCtx hooks.Context,
) (*Result, attemptOutcome, error) {
	headers := e.composeHeaders(desc, requestID)

	if e.cfg.ProtocolMode == ProtocolIdempotent {
		headers["Idempotency-Key"] = idemKey
		if desc.HasBody {
			fp, err := e.integrity.Enforce(idemKey, canonicalBody(desc.HasBody, desc.Body))
			if err != nil {
				return nil, outcomeTerminal, err
			}
			headers["X-Payload-Hash"] = fp
		}
	}

	var bodyBytes []byte
	if desc.HasBody && !isGetOrHead(method) {
		b, err := json.Marshal(desc.Body)
		if err != nil {
			serErr := errors.NewNetworkError("failed to serialize request body")
			serErr.WithCause(err)
			return nil, outcomeTerminal, serErr
		}
		bodyBytes = b
	}

	span := metrics.StartSpan(e.tracer, fmt.Sprintf("%s %s", method, url))
	e.inFlight.Add(1)
	startTime := time.Now()

	txResp, outcomeKind, txErr := timeout.Run(ctx, effectiveTimeoutMs, func(attemptCtx context.Context) (any, error) {
		return e.cfg.Transport.Do(attemptCtx, &transport.Request{
			Method:  method,
			URL:     url,
			Headers: headers,
			Body:    bodyBytes,
		})
	})

	e.inFlight.Add(-1)
	latencyMs := time.Since(startTime).Milliseconds()

	switch outcomeKind {
	case timeout.OutcomeCancelled:
		metrics.EndSpan(span, 0, requestID, attempt)
		cancelErr := errors.NewTimeoutError(effectiveTimeoutMs)
		cancelErr.WithCause(txErr)
		return nil, outcomeCancelled, cancelErr

	case timeout.OutcomeTimedOut:
		e.breaker.RecordFailure()
		e.metricsBuf.Record(metrics.Sample{RequestID: requestID, URL: url, Method: method, LatencyMs: latencyMs, Attempt: attempt, Status: nil, Success: false})
		metrics.EndSpan(span, 0, requestID, attempt)
		if backoff.ShouldRetry(e.cfg.Retry, nil, attempt) {
			return nil, outcomeRetryable, txErr
		}
		return nil, outcomeTerminal, txErr
	}

	// outcomeKind == OutcomeCompleted
	if txErr != nil {
		e.breaker.RecordFailure()
		e.metricsBuf.Record(metrics.Sample{RequestID: requestID, URL: url, Method: method, LatencyMs: latencyMs, Attempt: attempt, Status: nil, Success: false})
		metrics.EndSpan(span, 0, requestID, attempt)
		netErr := errors.NewNetworkError(txErr.Error())
		netErr.WithCause(txErr)
		if backoff.ShouldRetry(e.cfg.Retry, nil, attempt) {
			return nil, outcomeRetryable, netErr
		}
		// onError fires once, from runLifecycle's terminal handling below,
		// not here -- a single call must fire exactly one terminal hook.
		return nil, outcomeTerminal, netErr
	}

	resp, _ := txResp.(*transport.Response)
	if resp.Status >= 200 && resp.Status < 400 {
		data, decodeErr := decodeBody(resp)
		if decodeErr != nil {
			e.breaker.RecordFailure()
			metrics.EndSpan(span, resp.Status, requestID, attempt)
			decErr := errors.NewNetworkError("failed to decode response body")
			decErr.WithCause(decodeErr)
			return nil, outcomeTerminal, decErr
		}

		if validate != nil && e.cfg.ClientMode == ModeStrict {
			validated, vErr := validate(data)
			if vErr != nil {
				// Validation failure is a post-success assertion, not a
				// transport failure: no retry, no breaker failure.
				verr := errors.NewResponseValidationError(vErr.Error(), []string{vErr.Error()})
				verr.WithCause(vErr)
				metrics.EndSpan(span, resp.Status, requestID, attempt)
				return nil, outcomeValidationFailed, verr
			}
			data = validated
		}

		e.breaker.RecordSuccess()
		lowerHeaders := lowercaseHeaders(resp.Headers)
		result := &Result{
			Data:      data,
			Status:    resp.Status,
			Headers:   lowerHeaders,
			RequestID: requestID,
			Attempt:   attempt,
			LatencyMs: latencyMs,
		}
		e.metricsBuf.Record(metrics.Sample{RequestID: requestID, URL: url, Method: method, LatencyMs: latencyMs, Attempt: attempt, Status: &resp.Status, Success: true})
		metrics.EndSpan(span, resp.Status, requestID, attempt)
		return result, outcomeSuccess, nil
	}

	// non-2xx
	e.breaker.RecordFailure()
	status := resp.Status
	httpErr := errors.NewNetworkError(fmt.Sprintf("HTTP %d", status))
	e.metricsBuf.Record(metrics.Sample{RequestID: requestID, URL: url, Method: method, LatencyMs: latencyMs, Attempt: attempt, Status: &status, Success: false})
	metrics.EndSpan(span, status, requestID, attempt)
	if backoff.ShouldRetry(e.cfg.Retry, &status, attempt) {
		return nil, outcomeRetryable, httpErr
	}
	return nil, outcomeTerminal, httpErr
}

func (e *Engine) composeHeaders(desc Descriptor, requestID string) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"X-Request-Id": requestID,
	}
	for k, v := range e.cfg.DefaultHeaders {
		headers[k] = v
	}
	for k, v := range desc.Headers {
		headers[k] = v
	}
	return headers
}

func decodeBody(resp *transport.Response) (any, error) {
	if strings.Contains(resp.ContentType, "application/json") {
		if len(resp.Body) == 0 {
			return nil, nil
		}
		var data any
		if err := json.Unmarshal(resp.Body, &data); err != nil {
			return nil, err
		}
		return data, nil
	}
	return string(resp.Body), nil
}

func lowercaseHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[strings.ToLower(k)] = v
	}
	return out
}
