package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ManuelReschke/paygate/pkg/payerr"
)

// State of a registry record.
type State string

const (
	StateInFlight  State = "in_flight"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// ErrLeaseLost is returned by Complete when another owner took the key over
// after the caller's lease expired, or already completed it.
var ErrLeaseLost = errors.New("idempotency lease lost")

// Failure is the cached form of a non-retryable rejection.
type Failure struct {
	Kind       payerr.Kind `json:"kind"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message"`
	HTTPStatus int         `json:"http_status,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
}

// Error rebuilds the caller-facing error.
func (f *Failure) Error() *payerr.Error {
	return &payerr.Error{
		Kind:       f.Kind,
		Reason:     f.Reason,
		Message:    f.Message,
		HTTPStatus: f.HTTPStatus,
		Attempts:   f.Attempts,
	}
}

// Record is what a Store keeps per key.
type Record struct {
	State     State           `json:"state"`
	Value     json.RawMessage `json:"value,omitempty"`
	Failure   *Failure        `json:"failure,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Completed reports whether the record holds a final result.
func (r Record) Completed() bool {
	return r.State == StateSucceeded || r.State == StateFailed
}

// Store is the key-value registry behind a Manager. Implementations must
// make Reserve atomic: at most one caller may hold the lease for a key.
type Store interface {
	// Get returns the record for key. ok is false when there is none or it
	// expired.
	Get(ctx context.Context, key Key) (rec Record, ok bool, err error)
	// Reserve takes an in-flight lease on key for lease duration. It returns
	// false when another owner holds a live lease or a completed record
	// exists.
	Reserve(ctx context.Context, key Key, owner string, lease time.Duration) (bool, error)
	// Complete stores the final record, kept for retention. It writes only
	// while owner still holds the lease or no live record exists, and
	// returns ErrLeaseLost otherwise.
	Complete(ctx context.Context, key Key, owner string, rec Record, retention time.Duration) error
	// Release drops an in-flight lease held by owner so the key can be
	// retried.
	Release(ctx context.Context, key Key, owner string) error
}
