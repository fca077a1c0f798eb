package payment

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/ManuelReschke/paygate/pkg/payerr"
)

// Store persists tracked payments. Implementations must be safe for
// concurrent use; the Tracker serialises writes per payment id.
type Store interface {
	Load(ctx context.Context, id string) (Payment, bool, error)
	Save(ctx context.Context, p Payment) error
}

// Observer is notified after every applied transition, with the payment as
// saved.
type Observer interface {
	PaymentTransitioned(ctx context.Context, p Payment, r Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, p Payment, r Result)

func (f ObserverFunc) PaymentTransitioned(ctx context.Context, p Payment, r Result) {
	f(ctx, p, r)
}

// Tracker applies events to stored payments. Events for one payment are
// applied one at a time in the order they acquire its lock; unrelated
// payments never contend.
type Tracker struct {
	machine  *Machine
	store    Store
	observer Observer
	locks    keyedMutex
	logger   *zap.Logger
}

type TrackerOption func(*Tracker)

func WithStore(s Store) TrackerOption {
	return func(t *Tracker) {
		if s != nil {
			t.store = s
		}
	}
}

func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) {
		t.observer = o
	}
}

func WithLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker creates a Tracker. Without WithStore payments are kept in
// memory.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		machine: NewMachine(),
		store:   NewMemoryStore(),
		logger:  zap.NewNop(),
		locks:   keyedMutex{locks: make(map[string]*refLock)},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track registers a newly created payment. A payment that is already
// tracked is kept as is and returned.
func (t *Tracker) Track(ctx context.Context, p Payment) (Payment, error) {
	unlock := t.locks.Lock(p.ID)
	defer unlock()

	existing, ok, err := t.store.Load(ctx, p.ID)
	if err != nil {
		return Payment{}, fmt.Errorf("load payment %s: %w", p.ID, err)
	}
	if ok {
		return existing, nil
	}
	if p.Status == "" {
		p.Status = StatusCreated
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.machine.now()
	}
	if p.LastTransitionAt.IsZero() {
		p.LastTransitionAt = p.CreatedAt
	}
	if err := t.store.Save(ctx, p); err != nil {
		return Payment{}, fmt.Errorf("save payment %s: %w", p.ID, err)
	}
	t.notify(ctx, p, Result{From: "", To: p.Status, Applied: true})
	return p, nil
}

// Get returns a tracked payment or a not_found error.
func (t *Tracker) Get(ctx context.Context, id string) (Payment, error) {
	p, ok, err := t.store.Load(ctx, id)
	if err != nil {
		return Payment{}, fmt.Errorf("load payment %s: %w", id, err)
	}
	if !ok {
		return Payment{}, payerr.New(payerr.KindNotFound, "payment %s is not tracked", id)
	}
	return p, nil
}

// Apply applies ev to the payment it names.
func (t *Tracker) Apply(ctx context.Context, ev Event) (Payment, Result, error) {
	return t.update(ctx, ev.PaymentID, func(p *Payment) (Result, error) {
		res, err := t.machine.Apply(p, ev)
		if err == nil {
			t.logger.Debug("payment event",
				zap.String("payment_id", p.ID),
				zap.String("event_id", ev.ID),
				zap.String("source", string(ev.Source)),
				zap.String("status", string(ev.Status)),
				zap.Bool("applied", res.Applied),
				zap.Bool("duplicate", res.Duplicate))
		}
		return res, err
	})
}

// BeginRefund moves the payment to refunding with amount pending.
func (t *Tracker) BeginRefund(ctx context.Context, id string, amount int64) (Payment, error) {
	p, _, err := t.update(ctx, id, func(p *Payment) (Result, error) {
		from := p.Status
		if err := t.machine.BeginRefund(p, amount); err != nil {
			return Result{From: from, To: from}, err
		}
		return Result{From: from, To: p.Status, Applied: true}, nil
	})
	return p, err
}

// SettleRefund books or drops the pending refund according to the
// processor's answer. A pending answer leaves the payment refunding.
func (t *Tracker) SettleRefund(ctx context.Context, id string, status RefundStatus) (Payment, Result, error) {
	return t.update(ctx, id, func(p *Payment) (Result, error) {
		switch status {
		case RefundSuccess:
			return t.machine.CompleteRefund(p)
		case RefundFailed:
			return t.machine.FailRefund(p)
		default:
			return Result{From: p.Status, To: p.Status, Ignored: true}, nil
		}
	})
}

// update loads id under its lock, runs fn and saves the payment when fn
// reports a change. fn must leave p unchanged when it returns an error.
func (t *Tracker) update(ctx context.Context, id string, fn func(p *Payment) (Result, error)) (Payment, Result, error) {
	unlock := t.locks.Lock(id)
	defer unlock()

	p, ok, err := t.store.Load(ctx, id)
	if err != nil {
		return Payment{}, Result{}, fmt.Errorf("load payment %s: %w", id, err)
	}
	if !ok {
		return Payment{}, Result{}, payerr.New(payerr.KindNotFound, "payment %s is not tracked", id)
	}

	before := p
	before.AppliedEvents = append([]string(nil), p.AppliedEvents...)

	res, err := fn(&p)
	if err != nil {
		return before, res, err
	}
	if !res.Applied && slices.Equal(p.AppliedEvents, before.AppliedEvents) {
		return p, res, nil
	}
	if err := t.store.Save(ctx, p); err != nil {
		return before, Result{From: before.Status, To: before.Status}, fmt.Errorf("save payment %s: %w", id, err)
	}
	if res.Applied {
		t.notify(ctx, p, res)
	}
	return p, res, nil
}

func (t *Tracker) notify(ctx context.Context, p Payment, r Result) {
	if t.observer != nil {
		t.observer.PaymentTransitioned(ctx, p, r)
	}
}

// keyedMutex hands out one mutex per key and drops it once no goroutine
// holds or waits for it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// MemoryStore keeps payments in a map.
type MemoryStore struct {
	mu       sync.RWMutex
	payments map[string]Payment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{payments: make(map[string]Payment)}
}

func (s *MemoryStore) Load(_ context.Context, id string) (Payment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if ok {
		p.AppliedEvents = append([]string(nil), p.AppliedEvents...)
	}
	return p, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, p Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.AppliedEvents = append([]string(nil), p.AppliedEvents...)
	s.payments[p.ID] = p
	return nil
}
