package retry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ManuelReschke/paygate/pkg/payerr"
	"github.com/ManuelReschke/paygate/pkg/transport"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Observer is notified once per attempt. Optional.
type Observer func(a Attempt, o transport.Outcome, d Decision)

// Runner executes an operation under a Policy.
type Runner struct {
	policy   Policy
	logger   *zap.Logger
	sleep    SleepFunc
	observer Observer
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(s SleepFunc) Option {
	return func(r *Runner) {
		if s != nil {
			r.sleep = s
		}
	}
}

// WithObserver registers a per-attempt callback.
func WithObserver(o Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// NewRunner creates a Runner.
func NewRunner(policy Policy, opts ...Option) *Runner {
	r := &Runner{
		policy: policy,
		logger: zap.NewNop(),
		sleep:  Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the runner's policy.
func (r *Runner) Policy() Policy {
	return r.policy
}

// Do calls send until it succeeds, the policy gives up, or ctx is done. On
// success the successful outcome is returned with a nil error.
func (r *Runner) Do(ctx context.Context, send func(ctx context.Context, a Attempt) transport.Outcome) (transport.Outcome, error) {
	attempt := Attempt{Number: 1}

	for {
		out := send(ctx, attempt)
		if out.OK() {
			r.notify(attempt, out, Decision{})
			return out, nil
		}

		decision := r.policy.Decide(out, attempt)
		r.notify(attempt, out, decision)

		if !decision.Retry {
			if decision.Err.Exhausted {
				r.logger.Warn("giving up after retries",
					zap.Int("attempts", attempt.Number),
					zap.String("last_outcome", string(out.Kind)),
					zap.Int("http_status", out.HTTPStatus),
				)
			}
			return out, decision.Err
		}

		r.logger.Debug("retrying request",
			zap.Int("attempt", attempt.Number),
			zap.String("outcome", string(out.Kind)),
			zap.Int("http_status", out.HTTPStatus),
			zap.Duration("delay", decision.Delay),
		)

		if err := r.sleep(ctx, decision.Delay); err != nil {
			cancelled := payerr.Wrap(payerr.KindCancelled, err, "cancelled during retry backoff")
			cancelled.Attempts = attempt.Number
			return out, cancelled
		}

		attempt = Attempt{
			Number: attempt.Number + 1,
			Delay:  decision.Delay,
			Prior:  Classify(out),
		}
	}
}

func (r *Runner) notify(a Attempt, o transport.Outcome, d Decision) {
	if r.observer != nil {
		r.observer(a, o, d)
	}
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// processorMessage extracts a message from a processor error body, if the
// body is JSON shaped like {"message": ...}, {"error_message": ...} or
// {"error": {"message": ...}}.
func processorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var parsed struct {
		Message      string          `json:"message"`
		ErrorMessage string          `json:"error_message"`
		Error        json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	if parsed.Message != "" {
		return parsed.Message
	}
	if parsed.ErrorMessage != "" {
		return parsed.ErrorMessage
	}
	if len(parsed.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(parsed.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var s string
		if err := json.Unmarshal(parsed.Error, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
