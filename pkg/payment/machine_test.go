package payment

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paygate/pkg/payerr"
)

var testNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func fixedMachine() *Machine {
	return &Machine{now: func() time.Time { return testNow }}
}

func paid(amount int64) Payment {
	return Payment{ID: "pay_1", Status: StatusPaid, Amount: amount, Currency: "PLN"}
}

func TestReachable(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusPending, true},
		{StatusCreated, StatusPaid, true},
		{StatusCreated, StatusRefunded, true},
		{StatusPending, StatusExpired, true},
		{StatusPaid, StatusPending, false},
		{StatusPaid, StatusFailed, false},
		{StatusRefunded, StatusFailed, false},
		{StatusRefunded, StatusPaid, false},
		{StatusFailed, StatusPaid, false},
		{StatusPartiallyRefunded, StatusRefunded, true},
		{StatusRefunding, StatusPaid, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, Reachable(tt.from, tt.to))
		})
	}
}

func TestStatusHelpers(t *testing.T) {
	for _, s := range []Status{StatusFailed, StatusExpired, StatusRefunded} {
		assert.True(t, s.Terminal(), s)
	}
	assert.False(t, StatusPartiallyRefunded.Terminal())
	assert.True(t, CanTransition(StatusPending, StatusPaid))
	assert.False(t, CanTransition(StatusCreated, StatusPaid))
	assert.True(t, StatusPaid.Refundable())
	assert.False(t, StatusPending.Refundable())

	_, ok := ParseStatus("settled")
	assert.False(t, ok)
	st, ok := ParseStatus("partially_refunded")
	assert.True(t, ok)
	assert.Equal(t, StatusPartiallyRefunded, st)
}

func TestMachine_ForwardOnly(t *testing.T) {
	m := fixedMachine()
	p := Payment{ID: "pay_1", Status: StatusCreated, Amount: 2000}

	res, err := m.Apply(&p, Event{Status: StatusPending, Source: SourcePoll})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusCreated, res.From)
	assert.Equal(t, StatusPending, res.To)
	assert.Equal(t, testNow, p.LastTransitionAt)

	occurred := testNow.Add(time.Minute)
	res, err = m.Apply(&p, Event{ID: "evt_1", Status: StatusPaid, Source: SourceWebhook, OccurredAt: occurred})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusPaid, p.Status)
	assert.Equal(t, occurred, p.LastTransitionAt)

	res, err = m.Apply(&p, Event{ID: "evt_2", Status: StatusPending})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.False(t, res.Applied)
	assert.Equal(t, StatusPaid, p.Status)
	assert.Equal(t, occurred, p.LastTransitionAt)
}

func TestMachine_SkipsAheadOnOutOfOrderDelivery(t *testing.T) {
	m := fixedMachine()
	p := Payment{ID: "pay_1", Status: StatusCreated, Amount: 2000}

	res, err := m.Apply(&p, Event{ID: "evt_paid", Status: StatusPaid})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusPaid, p.Status)

	// The pending event arrives late.
	res, err = m.Apply(&p, Event{ID: "evt_pending", Status: StatusPending})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, StatusPaid, p.Status)
}

func TestMachine_SameEventTwiceIsNoop(t *testing.T) {
	m := fixedMachine()
	p := paid(2000)

	first, err := m.Apply(&p, Event{ID: "evt_r", Status: StatusRefunded, RefundedAmount: 2000})
	require.NoError(t, err)
	assert.True(t, first.Applied)
	snapshot := p

	second, err := m.Apply(&p, Event{ID: "evt_r", Status: StatusRefunded, RefundedAmount: 2000})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.True(t, second.Ignored)
	assert.Equal(t, snapshot, p)
}

func TestMachine_FailedAfterRefundedIsIgnored(t *testing.T) {
	m := fixedMachine()
	p := paid(2000)
	require.NoError(t, m.BeginRefund(&p, 2000))
	_, err := m.CompleteRefund(&p)
	require.NoError(t, err)
	require.Equal(t, StatusRefunded, p.Status)

	res, err := m.Apply(&p, Event{ID: "evt_late", Status: StatusFailed, Source: SourceWebhook})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, int64(2000), p.RefundedAmount)
}

func TestMachine_RejectsBadEvents(t *testing.T) {
	m := fixedMachine()
	p := paid(100)

	_, err := m.Apply(&p, Event{Status: "settled"})
	assert.True(t, errors.Is(err, payerr.ErrInvalidRequest))

	_, err = m.Apply(&p, Event{PaymentID: "pay_other", Status: StatusRefunded})
	assert.True(t, errors.Is(err, payerr.ErrInvalidRequest))
	assert.Equal(t, StatusPaid, p.Status)
}

func TestMachine_FullRefund(t *testing.T) {
	m := fixedMachine()
	p := paid(2000)

	require.NoError(t, m.BeginRefund(&p, 2000))
	assert.Equal(t, StatusRefunding, p.Status)
	assert.Equal(t, int64(0), p.Remaining())

	res, err := m.CompleteRefund(&p)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, int64(2000), p.RefundedAmount)

	err = m.BeginRefund(&p, 1)
	assert.True(t, errors.Is(err, payerr.ErrInvalidRefundAmount))
	assert.Equal(t, StatusRefunded, p.Status)
}

func TestMachine_PartialRefunds(t *testing.T) {
	m := fixedMachine()
	p := paid(2000)

	require.NoError(t, m.BeginRefund(&p, 500))
	_, err := m.CompleteRefund(&p)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(500), p.RefundedAmount)
	assert.Equal(t, int64(1500), p.Remaining())

	require.NoError(t, m.BeginRefund(&p, 700))
	_, err = m.CompleteRefund(&p)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(1200), p.RefundedAmount)

	require.NoError(t, m.BeginRefund(&p, 800))
	_, err = m.CompleteRefund(&p)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, int64(2000), p.RefundedAmount)
}

func TestMachine_RefundValidation(t *testing.T) {
	tests := []struct {
		name    string
		payment Payment
		amount  int64
		want    error
	}{
		{"exceeds remaining", paid(2000), 2001, payerr.ErrInvalidRefundAmount},
		{"zero", paid(2000), 0, payerr.ErrInvalidRefundAmount},
		{"negative", paid(2000), -5, payerr.ErrInvalidRefundAmount},
		{"pending payment", Payment{ID: "pay_1", Status: StatusPending, Amount: 2000}, 100, payerr.ErrStateConflict},
		{"created payment", Payment{ID: "pay_1", Status: StatusCreated, Amount: 2000}, 100, payerr.ErrStateConflict},
		{"refund in progress", Payment{ID: "pay_1", Status: StatusRefunding, Amount: 2000, PendingRefund: 100}, 100, payerr.ErrStateConflict},
		{"fully refunded", Payment{ID: "pay_1", Status: StatusRefunded, Amount: 2000, RefundedAmount: 2000}, 1, payerr.ErrInvalidRefundAmount},
		{"partial exceeds rest", Payment{ID: "pay_1", Status: StatusPartiallyRefunded, Amount: 2000, RefundedAmount: 1500}, 501, payerr.ErrInvalidRefundAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fixedMachine()
			p := tt.payment
			before := p

			err := m.BeginRefund(&p, tt.amount)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), err.Error())
			assert.Equal(t, before, p, "payment must be unchanged")
		})
	}
}

func TestMachine_FailRefundRestoresStatus(t *testing.T) {
	m := fixedMachine()

	p := paid(2000)
	require.NoError(t, m.BeginRefund(&p, 2000))
	res, err := m.FailRefund(&p)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusPaid, p.Status)
	assert.Equal(t, int64(2000), p.Remaining())

	p = Payment{ID: "pay_2", Status: StatusPartiallyRefunded, Amount: 2000, RefundedAmount: 500}
	require.NoError(t, m.BeginRefund(&p, 100))
	_, err = m.FailRefund(&p)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(500), p.RefundedAmount)
	assert.Equal(t, int64(0), p.PendingRefund)
}

func TestMachine_WebhookSettlesPendingRefund(t *testing.T) {
	m := fixedMachine()
	p := paid(2000)
	require.NoError(t, m.BeginRefund(&p, 600))

	res, err := m.Apply(&p, Event{ID: "evt_1", Status: StatusPartiallyRefunded, RefundedAmount: 600})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(600), p.RefundedAmount)
	assert.Equal(t, int64(0), p.PendingRefund)

	// Success answer arriving after the webhook is a no-op.
	res, err = m.CompleteRefund(&p)
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, int64(600), p.RefundedAmount)

	// A larger cumulative amount on the same status is booked.
	res, err = m.Apply(&p, Event{ID: "evt_2", Status: StatusPartiallyRefunded, RefundedAmount: 900})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(900), p.RefundedAmount)

	res, err = m.Apply(&p, Event{ID: "evt_3", Status: StatusPartiallyRefunded, RefundedAmount: 900})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
}

func TestMachine_RefundedEventForPartialRefundKeepsBalance(t *testing.T) {
	tests := []struct {
		name     string
		reported int64
	}{
		{"refund amount", 500},
		{"no amount", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := fixedMachine()
			p := paid(2000)
			require.NoError(t, m.BeginRefund(&p, 500))

			res, err := m.Apply(&p, Event{ID: "evt_r", Status: StatusRefunded, RefundedAmount: tt.reported})
			require.NoError(t, err)
			assert.True(t, res.Applied)
			assert.Equal(t, StatusPartiallyRefunded, p.Status)
			assert.Equal(t, int64(500), p.RefundedAmount)
			assert.Equal(t, int64(1500), p.Remaining())
			assert.Equal(t, int64(0), p.PendingRefund)
		})
	}
}

func TestMachine_RefundedEventBooksCumulativeAmount(t *testing.T) {
	m := fixedMachine()
	p := Payment{ID: "pay_1", Status: StatusPartiallyRefunded, Amount: 2000, RefundedAmount: 500}
	require.NoError(t, m.BeginRefund(&p, 1500))

	res, err := m.Apply(&p, Event{ID: "evt_r", Status: StatusRefunded, RefundedAmount: 2000})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, int64(2000), p.RefundedAmount)

	// Full refund issued elsewhere, reported without an amount.
	p = paid(2000)
	_, err = m.Apply(&p, Event{ID: "evt_ext", Status: StatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, int64(2000), p.RefundedAmount)
}

func TestMachine_LateRefundingNoticeAfterPartialRefund(t *testing.T) {
	m := fixedMachine()
	p := paid(2000)
	require.NoError(t, m.BeginRefund(&p, 500))
	_, err := m.CompleteRefund(&p)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyRefunded, p.Status)

	res, err := m.Apply(&p, Event{ID: "evt_late", Status: StatusRefunding})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, StatusPartiallyRefunded, p.Status)

	res, err = m.Apply(&p, Event{ID: "evt_late_2", Status: StatusRefunded, RefundedAmount: 500})
	require.NoError(t, err)
	assert.True(t, res.Ignored)
	assert.Equal(t, int64(1500), p.Remaining())

	require.NoError(t, m.BeginRefund(&p, 100))
	assert.Equal(t, StatusRefunding, p.Status)
	assert.Equal(t, int64(100), p.PendingRefund)
}

func TestPayment_AppliedEventsBounded(t *testing.T) {
	m := fixedMachine()
	p := paid(100)
	for i := 0; i < maxAppliedEvents+10; i++ {
		_, err := m.Apply(&p, Event{ID: "evt_" + strconv.Itoa(i), Status: StatusPaid})
		require.NoError(t, err)
	}
	assert.Len(t, p.AppliedEvents, maxAppliedEvents)
}
