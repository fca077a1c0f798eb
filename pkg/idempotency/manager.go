package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ManuelReschke/paygate/pkg/payerr"
)

const (
	DefaultRetention    = 24 * time.Hour
	DefaultLease        = 2 * time.Minute
	DefaultPollInterval = 50 * time.Millisecond
)

// Manager runs at most one dispatch per key and replays its final result to
// every later or concurrent submission with the same key.
//
// Concurrent submissions inside one process share a single flight. Across
// processes the Store lease decides who dispatches; the others poll the
// registry until the record completes.
type Manager[T any] struct {
	store        Store
	group        singleflight.Group
	retention    time.Duration
	lease        time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

type Option func(*options)

type options struct {
	retention    time.Duration
	lease        time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// WithRetention sets how long completed records are kept.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

// WithLease sets how long an in-flight reservation lives before another
// owner may take the key over.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithPollInterval sets how often a waiting submission re-reads the registry.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewManager creates a Manager over store.
func NewManager[T any](store Store, opts ...Option) *Manager[T] {
	o := options{
		retention:    DefaultRetention,
		lease:        DefaultLease,
		pollInterval: DefaultPollInterval,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		store:        store,
		retention:    o.retention,
		lease:        o.lease,
		pollInterval: o.pollInterval,
		logger:       o.logger,
	}
}

// Submit returns the registered result for key, or runs fn when none exists.
// fn runs at most once at a time per key. Successes and outright rejections
// are registered; exhausted and cancelled outcomes are not, so a later
// submission with the same key dispatches again.
func (m *Manager[T]) Submit(ctx context.Context, key Key, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if v, ok, err := m.lookup(ctx, key); ok || err != nil {
		return v, err
	}

	for {
		ch := m.group.DoChan(string(key), func() (any, error) {
			return m.execute(ctx, key, fn)
		})

		select {
		case <-ctx.Done():
			return zero, cancelled(ctx.Err())
		case res := <-ch:
			// The flight ran on another caller's context that was cancelled.
			if res.Shared && ctx.Err() == nil && payerr.KindOf(res.Err) == payerr.KindCancelled {
				continue
			}
			if res.Err != nil {
				return zero, res.Err
			}
			v, _ := res.Val.(T)
			return v, nil
		}
	}
}

// lookup reports ok when key has a completed record.
func (m *Manager[T]) lookup(ctx context.Context, key Key) (T, bool, error) {
	var zero T
	rec, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return zero, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if !ok || !rec.Completed() {
		return zero, false, nil
	}
	m.logger.Debug("idempotency replay",
		zap.String("idempotency_key", string(key)),
		zap.String("state", string(rec.State)))
	v, err := m.decode(rec)
	return v, true, err
}

func (m *Manager[T]) execute(ctx context.Context, key Key, fn func(ctx context.Context) (T, error)) (any, error) {
	owner := uuid.NewString()
	for {
		if v, ok, err := m.lookup(ctx, key); ok || err != nil {
			return v, err
		}

		reserved, err := m.store.Reserve(ctx, key, owner, m.lease)
		if err != nil {
			return nil, fmt.Errorf("idempotency reserve: %w", err)
		}
		if reserved {
			return m.dispatch(ctx, key, owner, fn)
		}

		// Another process holds the lease.
		if err := m.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (m *Manager[T]) dispatch(ctx context.Context, key Key, owner string, fn func(ctx context.Context) (T, error)) (any, error) {
	log := m.logger.With(zap.String("idempotency_key", string(key)))
	v, callErr := fn(ctx)

	// The registry write must happen even when the caller went away.
	storeCtx := context.WithoutCancel(ctx)

	if callErr == nil {
		data, err := json.Marshal(v)
		if err != nil {
			_ = m.store.Release(storeCtx, key, owner)
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		m.complete(storeCtx, log, key, owner, Record{State: StateSucceeded, Value: data})
		return v, nil
	}

	if f := cacheable(callErr); f != nil {
		m.complete(storeCtx, log, key, owner, Record{State: StateFailed, Failure: f})
		return nil, callErr
	}

	if err := m.store.Release(storeCtx, key, owner); err != nil {
		log.Warn("failed to release reservation", zap.Error(err))
	}
	return nil, callErr
}

// complete registers rec. A lost lease leaves the other owner's record in
// place; the caller still gets its own result.
func (m *Manager[T]) complete(ctx context.Context, log *zap.Logger, key Key, owner string, rec Record) {
	err := m.store.Complete(ctx, key, owner, rec, m.retention)
	switch {
	case errors.Is(err, ErrLeaseLost):
		log.Warn("lease expired before the result was registered", zap.String("state", string(rec.State)))
	case err != nil:
		log.Error("failed to register result", zap.String("state", string(rec.State)), zap.Error(err))
	}
}

func (m *Manager[T]) wait(ctx context.Context) error {
	t := time.NewTimer(m.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return cancelled(ctx.Err())
	case <-t.C:
		return nil
	}
}

func (m *Manager[T]) decode(rec Record) (T, error) {
	var v T
	if rec.State == StateFailed {
		if rec.Failure == nil {
			return v, payerr.New(payerr.KindClient, "request previously rejected")
		}
		return v, rec.Failure.Error()
	}
	if len(rec.Value) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return v, fmt.Errorf("failed to decode registered result: %w", err)
	}
	return v, nil
}

// cacheable returns the registry form of err when it is a final rejection.
func cacheable(err error) *Failure {
	var pe *payerr.Error
	if !errors.As(err, &pe) {
		return nil
	}
	if pe.Exhausted || pe.Retryable || pe.Kind == payerr.KindCancelled {
		return nil
	}
	return &Failure{
		Kind:       pe.Kind,
		Reason:     pe.Reason,
		Message:    pe.Message,
		HTTPStatus: pe.HTTPStatus,
		Attempts:   pe.Attempts,
	}
}

func cancelled(err error) error {
	return payerr.Wrap(payerr.KindCancelled, err, "submission cancelled")
}
