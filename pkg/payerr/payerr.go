// Package payerr defines the error taxonomy surfaced by the gateway client.
//
// Every failure returned by the client is an *Error carrying a Kind, a human
// readable message, a retryable flag and, where applicable, the HTTP status
// reported by the processor. Callers branch on the kind with errors.Is:
//
//	if errors.Is(err, payerr.ErrInvalidRefundAmount) { ... }
package payerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindTransport           Kind = "transport_error"
	KindRateLimited         Kind = "rate_limited"
	KindClient              Kind = "client_error"
	KindServer              Kind = "server_error"
	KindVerification        Kind = "verification_error"
	KindStateConflict       Kind = "state_conflict"
	KindInvalidRefundAmount Kind = "invalid_refund_amount"
	KindCancelled           Kind = "cancelled"
	KindNotFound            Kind = "not_found"
	KindInvalidRequest      Kind = "invalid_request"
)

// Verification reasons.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonMalformedPayload = "malformed_payload"
)

// Sentinels usable as errors.Is targets. Matching is done by kind only.
var (
	ErrTransport           = &Error{Kind: KindTransport}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrClientError         = &Error{Kind: KindClient}
	ErrServerError         = &Error{Kind: KindServer}
	ErrVerification        = &Error{Kind: KindVerification}
	ErrStateConflict       = &Error{Kind: KindStateConflict}
	ErrInvalidRefundAmount = &Error{Kind: KindInvalidRefundAmount}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}

	ErrInvalidSignature = &Error{Kind: KindVerification, Reason: ReasonInvalidSignature}
	ErrMalformedPayload = &Error{Kind: KindVerification, Reason: ReasonMalformedPayload}
)

// Error is the structured failure returned to callers.
type Error struct {
	Kind       Kind
	Reason     string
	Message    string
	Retryable  bool
	HTTPStatus int

	// Attempts is the number of transport attempts made before the error was
	// surfaced. Zero for errors that never reached the transport.
	Attempts int
	// Exhausted is set when the retry budget ran out, as opposed to a
	// rejection on the first attempt.
	Exhausted bool

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("(" + e.Reason + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (http %d)", e.HTTPStatus)
	}
	if e.Exhausted {
		fmt.Fprintf(&b, " [gave up after %d attempts]", e.Attempts)
	}
	if e.Err != nil && e.Message == "" {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, and on Reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New builds an error of the given kind. Retryable defaults per kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Retryable: retryableByDefault(kind),
	}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableByDefault(kind),
		Err:       err,
	}
}

// Verification builds a verification error with the given reason.
func Verification(reason, message string) *Error {
	return &Error{Kind: KindVerification, Reason: reason, Message: message}
}

// KindOf returns the kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err was marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsExhausted reports whether err is a give-up after the retry budget ran out.
func IsExhausted(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Exhausted
	}
	return false
}

func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindTransport, KindRateLimited, KindServer:
		return true
	}
	return false
}
