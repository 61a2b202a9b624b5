package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientkit/client/errors"
	"github.com/resilientkit/client/internal/backoff"
	"github.com/resilientkit/client/internal/breaker"
	"github.com/resilientkit/client/transport"
)

// scriptedTransport replays a fixed sequence of responses/errors, one per
// call, then repeats the last entry if called more times than scripted.
type scriptedTransport struct {
	mu      sync.Mutex
	calls   int
	steps   []func() (*transport.Response, error)
	headers []map[string]string
}

func (s *scriptedTransport) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.headers = append(s.headers, req.Headers)
	s.mu.Unlock()

	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	return s.steps[i]()
}

func (s *scriptedTransport) headersAt(i int) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers[i]
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func jsonResponse(status int, body string) (*transport.Response, error) {
	return &transport.Response{Status: status, ContentType: "application/json", Body: []byte(body)}, nil
}

func baseConfig(tr transport.Transport) Config {
	return Config{
		BaseURL: "http://example.test",
		Retry: backoff.Config{
			Enabled:     true,
			MaxAttempts: 3,
			Strategy:    backoff.StrategyFixed,
			BaseDelayMs: 1,
			MaxDelayMs:  1000,
			Jitter:      false,
			RetryOn:     []backoff.RetryOn{backoff.NetworkRetryOn(), backoff.ServerErrorRetryOn()},
		},
		Breaker:   breaker.Config{FailureThreshold: 3, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxCalls: 1},
		Transport: tr,
	}
}

// S1 retry-then-succeed.
func TestS1RetryThenSucceed(t *testing.T) {
	tr := &scriptedTransport{steps: []func() (*transport.Response, error){
		func() (*transport.Response, error) { return jsonResponse(500, `{"ok":false}`) },
		func() (*transport.Response, error) { return jsonResponse(200, `{"ok":true}`) },
	}}
	e := New(baseConfig(tr))

	result, err := e.Execute(context.Background(), Descriptor{Method: "GET", URL: "/x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.callCount())
	assert.Equal(t, 200, result.Status)
	assert.Equal(t, breaker.Closed, e.breaker.State())
}

// S2 retry-exhausted.
func TestS2RetryExhausted(t *testing.T) {
	tr := &scriptedTransport{steps: []func() (*transport.Response, error){
		func() (*transport.Response, error) { return jsonResponse(503, `{}`) },
	}}
	cfg := baseConfig(tr)
	cfg.Retry.MaxAttempts = 2
	e := New(cfg)

	_, err := e.Execute(context.Background(), Descriptor{Method: "GET", URL: "/x"}, nil)
	require.Error(t, err)

	var exhausted *errors.RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, "NETWORK_ERROR", errors.CodeOf(exhausted.LastError))
	assert.Contains(t, exhausted.LastError.Error(), "HTTP 503")
}

// S3 circuit opens (integration-level complement to the breaker package's
// own unit tests).
func TestS3CircuitOpensAcrossRequests(t *testing.T) {
	tr := &scriptedTransport{steps: []func() (*transport.Response, error){
		func() (*transport.Response, error) { return jsonResponse(500, `{}`) },
	}}
	cfg := baseConfig(tr)
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 3
	e := New(cfg)

	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), Descriptor{Method: "GET", URL: "/x"}, nil)
		require.Error(t, err)
	}

	callsBeforeOpen := tr.callCount()
	_, err := e.Execute(context.Background(), Descriptor{Method: "GET", URL: "/x"}, nil)
	require.Error(t, err)
	assert.Equal(t, "CIRCUIT_OPEN", errors.CodeOf(err))
	assert.Equal(t, callsBeforeOpen, tr.callCount(), "circuit-open must not invoke the transport")
}

type stringValidator struct{}

func (stringValidator) Parse(data any) (any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object")
	}
	if _, ok := m["ok"]; !ok {
		return nil, fmt.Errorf("missing ok field")
	}
	return m, nil
}

// S5 validation failure.
func TestS5ValidationFailureDoesNotRetryOrTripBreaker(t *testing.T) {
	tr := &scriptedTransport{steps: []func() (*transport.Response, error){
		func() (*transport.Response, error) { return jsonResponse(200, `{"wrong":"shape"}`) },
	}}
	cfg := baseConfig(tr)
	cfg.Retry.MaxAttempts = 3
	e := New(cfg)

	v := stringValidator{}
	_, err := e.Execute(context.Background(), Descriptor{Method: "GET", URL: "/x"}, func(data any) (any, error) {
		return v.Parse(data)
	})

	require.Error(t, err)
	assert.Equal(t, "RESPONSE_VALIDATION_ERROR", errors.CodeOf(err))
	assert.Equal(t, 1, tr.callCount(), "a validation failure must not retry")
	assert.Equal(t, 0, e.breaker.Failures(), "a validation failure must not count against the breaker")
}

// S6 dedup: three concurrent identical GETs share one transport call.
func TestS6DedupSharesOneTransportCall(t *testing.T) {
	var calls int32
	tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return jsonResponse(200, `{"ok":true}`)
	})

	cfg := baseConfig(tr)
	cfg.Retry.MaxAttempts = 1
	cfg.DedupeEnabled = true
	e := New(cfg)

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			r, err := e.Execute(context.Background(), Descriptor{Method: "GET", URL: "/users/1"}, nil)
			results[idx] = r
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for i := 0; i < 3; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

// S7 integrity (integration-level complement to the integrity package's
// own unit tests).
func TestS7IntegrityViolationBeforeTransport(t *testing.T) {
	var calls int32
	tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(200, `{"ok":true}`)
	})
	cfg := baseConfig(tr)
	cfg.Retry.MaxAttempts = 1
	cfg.ProtocolMode = ProtocolIdempotent
	e := New(cfg)

	key := "k1"
	_, err := e.Execute(context.Background(), Descriptor{Method: "POST", URL: "/x", Body: map[string]any{"a": 1}, HasBody: true, IdempotencyKey: &key}, nil)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), Descriptor{Method: "POST", URL: "/x", Body: map[string]any{"a": 2}, HasBody: true, IdempotencyKey: &key}, nil)
	require.Error(t, err)
	assert.Equal(t, "INTEGRITY_VIOLATION", errors.CodeOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "the second call must never reach the transport")
}

// An auto-generated idempotency key must pin the same value across a
// single logical request's own retries -- it is meant to let the server
// recognize a retried write as one operation, not a new one per attempt.
func TestAutoGeneratedIdempotencyKeyStableAcrossRetries(t *testing.T) {
	tr := &scriptedTransport{steps: []func() (*transport.Response, error){
		func() (*transport.Response, error) { return jsonResponse(500, `{"ok":false}`) },
		func() (*transport.Response, error) { return jsonResponse(200, `{"ok":true}`) },
	}}
	cfg := baseConfig(tr)
	cfg.ProtocolMode = ProtocolIdempotent
	e := New(cfg)

	_, err := e.Execute(context.Background(), Descriptor{Method: "POST", URL: "/x", Body: map[string]any{"a": 1}, HasBody: true}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, tr.callCount())

	firstKey := tr.headersAt(0)["Idempotency-Key"]
	secondKey := tr.headersAt(1)["Idempotency-Key"]
	assert.NotEmpty(t, firstKey)
	assert.Equal(t, firstKey, secondKey, "auto-generated idempotency key must stay stable across retries of the same logical request")
}

// S8 cancel: caller cancellation during backoff terminates the request as
// cancelled rather than retried or timed out.
func TestS8CancelDuringBackoff(t *testing.T) {
	tr := transport.TransportFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
		return jsonResponse(500, `{}`)
	})
	cfg := baseConfig(tr)
	cfg.Retry.MaxAttempts = 5
	cfg.Retry.BaseDelayMs = 200
	e := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, Descriptor{Method: "GET", URL: "/x"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
