package payment

import (
	"time"

	"github.com/ManuelReschke/paygate/pkg/payerr"
)

// Result describes what Apply did with an event.
type Result struct {
	From, To Status
	// Applied is set when the payment changed.
	Applied bool
	// Ignored is set for stale, unreachable or repeated events.
	Ignored bool
	// Duplicate is set when the event id was applied before.
	Duplicate bool
}

// Machine enforces the transition rules on a Payment value. It holds no
// payment state itself; callers serialise access per payment.
type Machine struct {
	now func() time.Time
}

func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// Apply moves p forward to ev.Status when that status lies ahead. Events for
// a status p has already passed are ignored without error.
func (m *Machine) Apply(p *Payment, ev Event) (Result, error) {
	res := Result{From: p.Status, To: p.Status}

	if ev.PaymentID != "" && ev.PaymentID != p.ID {
		return res, payerr.New(payerr.KindInvalidRequest, "event for payment %s applied to %s", ev.PaymentID, p.ID)
	}
	if !ev.Status.Valid() {
		return res, payerr.New(payerr.KindInvalidRequest, "unknown payment status %q", ev.Status)
	}
	if p.seen(ev.ID) {
		res.Ignored = true
		res.Duplicate = true
		return res, nil
	}

	switch {
	case ev.Status == p.Status:
		// Same status may still carry a larger cumulative refund.
		if !m.settleRefundAmount(p, ev) {
			res.Ignored = true
			p.remember(ev.ID)
			return res, nil
		}
	case Reachable(p.Status, ev.Status):
		if !m.advance(p, ev) {
			res.Ignored = true
			p.remember(ev.ID)
			return res, nil
		}
	default:
		res.Ignored = true
		p.remember(ev.ID)
		return res, nil
	}

	p.remember(ev.ID)
	p.LastTransitionAt = m.at(ev)
	res.To = p.Status
	res.Applied = true
	return res, nil
}

// advance moves p to ev.Status, keeping refund accounting consistent. It
// reports whether p changed.
func (m *Machine) advance(p *Payment, ev Event) bool {
	switch ev.Status {
	case StatusRefunding:
		if p.Status == StatusPartiallyRefunded && ev.RefundedAmount <= p.RefundedAmount {
			// Notice for a refund that already settled.
			return false
		}
		if p.Status.Refundable() {
			p.RefundFrom = p.Status
		}
		p.Status = StatusRefunding
		return true
	case StatusRefunded, StatusPartiallyRefunded:
		return m.bookRefund(p, ev.Status, ev.RefundedAmount)
	default:
		p.Status = ev.Status
		return true
	}
}

// bookRefund settles the refund ending in st. reported is the processor's
// refunded amount, cumulative or for this refund alone, or 0 when unknown.
// The status follows from the booked amount: refunded only once it equals
// the payment amount.
func (m *Machine) bookRefund(p *Payment, st Status, reported int64) bool {
	refunded := p.RefundedAmount + p.PendingRefund
	if reported > refunded {
		refunded = reported
	}
	if st == StatusRefunded && reported == 0 && p.PendingRefund == 0 {
		// Full refund made outside this client.
		refunded = p.Amount
	}
	if refunded > p.Amount {
		refunded = p.Amount
	}

	next := StatusPartiallyRefunded
	if refunded >= p.Amount {
		next = StatusRefunded
	}
	if next == p.Status && refunded == p.RefundedAmount && p.PendingRefund == 0 {
		return false
	}

	p.RefundedAmount = refunded
	p.PendingRefund = 0
	p.RefundFrom = ""
	p.Status = next
	return true
}

// settleRefundAmount handles a partially_refunded event on a payment that is
// already partially refunded. It reports whether anything changed.
func (m *Machine) settleRefundAmount(p *Payment, ev Event) bool {
	if p.Status != StatusPartiallyRefunded || ev.RefundedAmount <= p.RefundedAmount {
		return false
	}
	refunded := ev.RefundedAmount
	if refunded > p.Amount {
		refunded = p.Amount
	}
	p.RefundedAmount = refunded
	if p.RefundedAmount >= p.Amount {
		p.Status = StatusRefunded
	}
	return true
}

// BeginRefund reserves amount from the refundable balance and moves p to
// refunding. p is left untouched on error.
func (m *Machine) BeginRefund(p *Payment, amount int64) error {
	switch {
	case p.Status == StatusRefunded:
		return payerr.New(payerr.KindInvalidRefundAmount, "payment %s is fully refunded", p.ID)
	case p.Status == StatusRefunding:
		return payerr.New(payerr.KindStateConflict, "payment %s has a refund in progress", p.ID)
	case !p.Status.Refundable():
		return payerr.New(payerr.KindStateConflict, "payment %s is %s, refunds need paid", p.ID, p.Status)
	case amount <= 0:
		return payerr.New(payerr.KindInvalidRefundAmount, "refund amount must be positive, got %d", amount)
	case amount > p.Remaining():
		return payerr.New(payerr.KindInvalidRefundAmount, "refund amount %d exceeds remaining %d", amount, p.Remaining())
	}

	p.RefundFrom = p.Status
	p.PendingRefund = amount
	p.Status = StatusRefunding
	p.LastTransitionAt = m.now()
	return nil
}

// CompleteRefund books the pending refund.
func (m *Machine) CompleteRefund(p *Payment) (Result, error) {
	res := Result{From: p.Status, To: p.Status}
	if p.Status != StatusRefunding {
		// Settled meanwhile by a webhook.
		res.Ignored = true
		return res, nil
	}
	m.bookRefund(p, StatusPartiallyRefunded, 0)
	p.LastTransitionAt = m.now()
	res.To = p.Status
	res.Applied = true
	return res, nil
}

// FailRefund drops the pending refund and restores the prior status.
func (m *Machine) FailRefund(p *Payment) (Result, error) {
	res := Result{From: p.Status, To: p.Status}
	if p.Status != StatusRefunding {
		res.Ignored = true
		return res, nil
	}
	prev := p.RefundFrom
	if prev == "" {
		prev = StatusPaid
		if p.RefundedAmount > 0 {
			prev = StatusPartiallyRefunded
		}
	}
	p.Status = prev
	p.PendingRefund = 0
	p.RefundFrom = ""
	p.LastTransitionAt = m.now()
	res.To = p.Status
	res.Applied = true
	return res, nil
}

func (m *Machine) at(ev Event) time.Time {
	if !ev.OccurredAt.IsZero() {
		return ev.OccurredAt
	}
	return m.now()
}
