// Package retry decides whether and when a failed transport attempt is
// retried, and runs the attempt loop with cancellable backoff.
package retry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/paygate/pkg/payerr"
	"github.com/ManuelReschke/paygate/pkg/transport"
)

const (
	DefaultMaxRetries    = 3
	DefaultBaseDelay     = 200 * time.Millisecond
	DefaultMaxDelay      = 5 * time.Second
	DefaultMaxRetryAfter = 30 * time.Second
)

// Classification of an outcome.
type Classification string

const (
	ClassSuccess      Classification = "success"
	ClassRetryable    Classification = "retryable"
	ClassNonRetryable Classification = "non_retryable"
	ClassCancelled    Classification = "cancelled"
)

// Attempt describes the attempt about to be made, or just made.
type Attempt struct {
	// Number is 1-based.
	Number int
	// Delay is the backoff slept before this attempt.
	Delay time.Duration
	// Prior is the classification of the previous attempt's outcome; empty
	// for the first attempt.
	Prior Classification
}

// Decision is either Retry (after Delay) or GiveUp with Err.
type Decision struct {
	Retry bool
	Delay time.Duration
	Err   *payerr.Error
}

// Policy is the retry policy. The zero value is not useful; use
// DefaultPolicy or fill every field.
type Policy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration
	now           func() time.Time
}

// DefaultPolicy retries up to three times with doubling delay.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		MaxDelay:      DefaultMaxDelay,
		MaxRetryAfter: DefaultMaxRetryAfter,
	}
}

// Classify maps a raw outcome onto the retry classification.
func Classify(o transport.Outcome) Classification {
	switch o.Kind {
	case transport.OutcomeSuccess:
		return ClassSuccess
	case transport.OutcomeNetworkFailure, transport.OutcomeTimeout:
		return ClassRetryable
	case transport.OutcomeCancelled:
		return ClassCancelled
	case transport.OutcomeHTTPError:
		if o.HTTPStatus == http.StatusTooManyRequests || o.HTTPStatus >= 500 {
			return ClassRetryable
		}
		return ClassNonRetryable
	}
	return ClassNonRetryable
}

// Backoff returns the delay before retry number n (1-based):
// BaseDelay doubled per retry, bounded by MaxDelay.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Decide inspects the outcome of attempt a. It must not be called with a
// successful outcome.
func (p Policy) Decide(o transport.Outcome, a Attempt) Decision {
	class := Classify(o)
	switch class {
	case ClassCancelled:
		err := ErrorFor(o)
		err.Attempts = a.Number
		return Decision{Err: err}
	case ClassNonRetryable:
		err := ErrorFor(o)
		err.Attempts = a.Number
		return Decision{Err: err}
	}

	if a.Number > p.MaxRetries {
		err := ErrorFor(o)
		err.Attempts = a.Number
		err.Exhausted = true
		err.Retryable = false
		return Decision{Err: err}
	}

	delay := p.Backoff(a.Number)
	if o.HTTPStatus == http.StatusTooManyRequests {
		if hint, ok := p.parseRetryAfter(o.RetryAfter); ok {
			delay = hint
		}
	}
	return Decision{Retry: true, Delay: delay}
}

func (p Policy) parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		now := time.Now
		if p.now != nil {
			now = p.now
		}
		d = at.Sub(now())
		if d < 0 {
			d = 0
		}
	} else {
		return 0, false
	}

	if p.MaxRetryAfter > 0 && d > p.MaxRetryAfter {
		d = p.MaxRetryAfter
	}
	return d, true
}

// ErrorFor converts a failed outcome into the caller-facing error.
func ErrorFor(o transport.Outcome) *payerr.Error {
	var err *payerr.Error
	switch o.Kind {
	case transport.OutcomeTimeout:
		err = payerr.Wrap(payerr.KindTransport, o.Err, "timeout: "+o.Reason)
	case transport.OutcomeNetworkFailure:
		err = payerr.Wrap(payerr.KindTransport, o.Err, "network failure: "+o.Reason)
	case transport.OutcomeCancelled:
		err = payerr.Wrap(payerr.KindCancelled, o.Err, "operation cancelled")
	case transport.OutcomeInvalidRequest:
		err = payerr.Wrap(payerr.KindInvalidRequest, o.Err, "malformed request: "+o.Reason)
	case transport.OutcomeHTTPError:
		msg := processorMessage(o.Body)
		if msg == "" {
			msg = o.Reason
		}
		switch {
		case o.HTTPStatus == http.StatusTooManyRequests:
			err = payerr.New(payerr.KindRateLimited, "%s", msg)
		case o.HTTPStatus == http.StatusNotFound:
			err = payerr.New(payerr.KindNotFound, "%s", msg)
		case o.HTTPStatus >= 500:
			err = payerr.New(payerr.KindServer, "%s", msg)
		default:
			err = payerr.New(payerr.KindClient, "%s", msg)
		}
		err.HTTPStatus = o.HTTPStatus
	default:
		err = payerr.New(payerr.KindTransport, "unexpected outcome %q", o.Kind)
	}
	return err
}
