package client

// Validator is the generic capability object a caller supplies to assert
// the shape of a successful response's decoded body (§9's resolution of
// the original "parse(unknown)→T" design note). Parse returns an error
// if data does not conform; in strict ClientMode that error is wrapped
// into a ResponseValidationError and the call fails without a retry.
type Validator[T any] interface {
	Parse(data any) (T, error)
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc[T any] func(data any) (T, error)

func (f ValidatorFunc[T]) Parse(data any) (T, error) { return f(data) }

// RequestDescriptor is a single logical call (§3). URL is resolved
// against the client's BaseURL unless it already carries a scheme.
type RequestDescriptor[T any] struct {
	Method         string
	URL            string
	Body           any
	Headers        map[string]string
	Validator      Validator[T]
	IdempotencyKey *string
	TimeoutMs      *int64
}

// Response is the typed outcome of a successful RequestDescriptor (§3).
type Response[T any] struct {
	Payload   T
	Status    int
	Headers   map[string]string
	RequestID string
	Attempt   int
	LatencyMs int64
}
