// Package transport defines the pluggable byte-level request/response
// boundary the engine drives. It owns nothing about retries, breakers,
// or dedup -- those live in the engine -- it is purely "take a described
// request, return a raw response or an error".
package transport

import "context"

// Request is the wire-level description the engine hands to a
// Transport implementation for a single attempt.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Response is the raw, undecoded result of one transport attempt.
type Response struct {
	Status      int
	Headers     map[string]string
	Body        []byte
	ContentType string
}

// Transport is the external collaborator the engine is built around. A
// real implementation typically wraps net/http; tests typically wrap a
// scripted sequence of canned responses.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
