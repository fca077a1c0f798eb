package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ManuelReschke/paygate/pkg/payerr"
	"github.com/ManuelReschke/paygate/pkg/payment"
)

// Applier receives verified events. *payment.Tracker implements it.
type Applier interface {
	Apply(ctx context.Context, ev payment.Event) (payment.Payment, payment.Result, error)
	SettleRefund(ctx context.Context, id string, status payment.RefundStatus) (payment.Payment, payment.Result, error)
}

// Receipt is one delivery as written to a Journal.
type Receipt struct {
	EventID         string
	EventType       string
	PaymentID       string
	Payload         []byte
	SignatureValid  bool
	Duplicate       bool
	ProcessingError string
	ReceivedAt      time.Time
}

// Journal keeps a log of deliveries for operators.
type Journal interface {
	Record(ctx context.Context, r Receipt) error
}

// Result of handling a verified delivery. The caller acknowledges the
// delivery either way; ProcessingErr tells whether applying it failed.
type Result struct {
	Event     Event
	Duplicate bool
	Applied   bool
	Ignored   bool
	Payment   payment.Payment

	// ProcessingErr is set when the event could not be applied. The id is
	// forgotten so a redelivery is processed again.
	ProcessingErr error
	// DedupErr is set when the seen set could not be consulted. The event is
	// still applied; the tracker ignores ids it already applied.
	DedupErr error
}

// Processed reports whether the event was applied or safely skipped.
func (r Result) Processed() bool {
	return r.ProcessingErr == nil
}

// Handler verifies, deduplicates and applies deliveries.
type Handler struct {
	secret    string
	applier   Applier
	dedup     Dedup
	retention time.Duration
	journal   Journal
	logger    *zap.Logger
	now       func() time.Time
}

type HandlerOption func(*Handler)

func WithDedup(d Dedup) HandlerOption {
	return func(h *Handler) {
		if d != nil {
			h.dedup = d
		}
	}
}

// WithRetention sets how long an event id is remembered.
func WithRetention(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.retention = d
		}
	}
}

func WithJournal(j Journal) HandlerOption {
	return func(h *Handler) {
		h.journal = j
	}
}

func WithLogger(l *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(secret string, applier Applier, opts ...HandlerOption) *Handler {
	h := &Handler{
		secret:    secret,
		applier:   applier,
		retention: DefaultDedupRetention,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.dedup == nil {
		h.dedup = NewMemoryDedup(DefaultDedupCapacity)
	}
	return h
}

// Handle processes one delivery. The returned error is only ever a
// verification error, answered with a 4xx; everything after verification is
// reported in Result.
func (h *Handler) Handle(ctx context.Context, raw []byte, signatureHeader string) (Result, error) {
	ev, err := VerifyAndParse(raw, signatureHeader, h.secret)
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		h.record(ctx, Receipt{
			Payload:         raw,
			SignatureValid:  !errors.Is(err, payerr.ErrInvalidSignature),
			ProcessingError: err.Error(),
		})
		return Result{}, err
	}

	log := h.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("payment_id", ev.PaymentID),
		zap.String("type", ev.Type))
	res := Result{Event: ev}

	first, err := h.dedup.MarkSeen(ctx, ev.ID, h.retention)
	if err != nil {
		log.Warn("webhook dedup unavailable", zap.Error(err))
		res.DedupErr = fmt.Errorf("webhook dedup: %w", err)
		first = true
	}
	if !first {
		log.Debug("webhook duplicate")
		res.Duplicate = true
		return res, nil
	}

	p, applied, err := h.apply(ctx, ev)
	if err != nil {
		res.ProcessingErr = err
		log.Error("webhook processing failed", zap.Error(err))
		if res.DedupErr == nil {
			if ferr := h.dedup.Forget(context.WithoutCancel(ctx), ev.ID); ferr != nil {
				res.DedupErr = fmt.Errorf("webhook dedup forget: %w", ferr)
			}
		}
	} else {
		res.Payment = p
		res.Applied = applied.Applied
		res.Ignored = applied.Ignored
		res.Duplicate = applied.Duplicate
		log.Debug("webhook applied",
			zap.String("status", string(p.Status)),
			zap.Bool("applied", applied.Applied))
	}

	receipt := Receipt{
		EventID:        ev.ID,
		EventType:      ev.Type,
		PaymentID:      ev.PaymentID,
		Payload:        raw,
		SignatureValid: true,
		Duplicate:      res.Duplicate,
	}
	if res.ProcessingErr != nil {
		receipt.ProcessingError = res.ProcessingErr.Error()
	}
	h.record(ctx, receipt)
	return res, nil
}

func (h *Handler) apply(ctx context.Context, ev Event) (payment.Payment, payment.Result, error) {
	if ev.RefundFailed() {
		return h.applier.SettleRefund(ctx, ev.PaymentID, payment.RefundFailed)
	}
	return h.applier.Apply(ctx, ev.PaymentEvent())
}

func (h *Handler) record(ctx context.Context, r Receipt) {
	if h.journal == nil {
		return
	}
	r.ReceivedAt = h.now()
	if err := h.journal.Record(context.WithoutCancel(ctx), r); err != nil {
		h.logger.Warn("failed to journal webhook", zap.String("event_id", r.EventID), zap.Error(err))
	}
}
