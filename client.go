package client

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/resilientkit/client/errors"
	"github.com/resilientkit/client/internal/engine"
	"github.com/resilientkit/client/internal/hooks"
)

// HookContext is the information every hook receives about the call it
// is observing.
type HookContext = hooks.Context

// HookTable is the set of observer callbacks a Client runs (§6). Fields
// left nil are simply not invoked; Use merges additively, with later
// calls overriding earlier ones field-by-field.
type HookTable = hooks.Table

// Health is the client-facing snapshot returned by Client.Health (§6).
type Health = engine.Health

// Client is a configured resilient request client. Construct with New;
// the zero value is not usable.
type Client struct {
	eng *engine.Engine
}

// New constructs a Client from cfg. cfg.Transport must be set.
func New(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("resilientclient: nil ClientConfig")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("resilientclient: ClientConfig.Transport must be set")
	}
	return &Client{eng: engine.New(cfg.toEngineConfig())}, nil
}

// Use merges hook overrides into the client's hook table and returns the
// client for chaining.
func (c *Client) Use(table HookTable) *Client {
	c.eng.Use(table)
	return c
}

// Health reports the client's current circuit state, consecutive-failure
// count, and average observed latency (§6).
func (c *Client) Health() Health {
	return c.eng.Health()
}

// PrometheusCollector exposes the client's aggregates as a registerable
// prometheus.Collector (§2b ambient addition), purely additive to the
// spec's public surface.
func (c *Client) PrometheusCollector() prometheus.Collector {
	return c.eng.PrometheusCollector()
}

// Request executes desc against c and decodes the response as T (§6,
// §9's resolution of the dynamic "parse(unknown)→T" design note as a
// generic capability object). If desc.Validator is set and the client's
// mode is strict, the validator produces the returned payload directly.
// Without a validator, the payload is the raw decoded JSON value (or
// response text for non-JSON bodies) asserted to T -- callers that don't
// supply a Validator should generally request T = any.
func Request[T any](ctx context.Context, c *Client, desc RequestDescriptor[T]) (*Response[T], error) {
	var validate engine.Validate
	if desc.Validator != nil {
		v := desc.Validator
		validate = func(data any) (any, error) {
			return v.Parse(data)
		}
	}

	result, err := c.eng.Execute(ctx, engine.Descriptor{
		Method:         desc.Method,
		URL:            desc.URL,
		Body:           desc.Body,
		HasBody:        desc.Body != nil,
		Headers:        desc.Headers,
		IdempotencyKey: desc.IdempotencyKey,
		TimeoutMs:      desc.TimeoutMs,
	}, validate)
	if err != nil {
		return nil, err
	}

	payload, ok := result.Data.(T)
	if !ok {
		return nil, errors.NewResponseValidationError(
			"decoded response does not match the requested type",
			[]string{fmt.Sprintf("expected %T-compatible value, got %T", payload, result.Data)},
		)
	}

	return &Response[T]{
		Payload:   payload,
		Status:    result.Status,
		Headers:   result.Headers,
		RequestID: result.RequestID,
		Attempt:   result.Attempt,
		LatencyMs: result.LatencyMs,
	}, nil
}
