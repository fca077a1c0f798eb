package transport

import (
	"context"
	"net/http"
	"time"
)

// OutcomeKind is the raw, transport-level result of a single request.
type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "success"
	OutcomeHTTPError      OutcomeKind = "http_error"
	OutcomeNetworkFailure OutcomeKind = "network_failure"
	OutcomeTimeout        OutcomeKind = "timeout"
	OutcomeInvalidRequest OutcomeKind = "invalid_request"
	OutcomeCancelled      OutcomeKind = "cancelled"
)

// Request describes a single call to the processor API. Path is relative to
// the adapter's base URL.
type Request struct {
	Method         string
	Path           string
	Body           []byte
	IdempotencyKey string
	Header         http.Header
}

// Outcome is what happened to a Request. The adapter never interprets the
// body; HTTPStatus and Body are set for OutcomeSuccess and OutcomeHTTPError.
type Outcome struct {
	Kind       OutcomeKind
	HTTPStatus int
	Body       []byte
	// RetryAfter holds the raw Retry-After response header, if any.
	RetryAfter string
	Reason     string
	Err        error
	Duration   time.Duration
}

// OK reports whether the outcome is a 2xx response.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// Adapter sends one request and reports its raw outcome. Implementations
// must not retry.
type Adapter interface {
	Send(ctx context.Context, req Request) Outcome
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, req Request) Outcome

func (f AdapterFunc) Send(ctx context.Context, req Request) Outcome {
	return f(ctx, req)
}
