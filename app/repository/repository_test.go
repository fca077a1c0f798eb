package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/paygate/app/models"
	"github.com/ManuelReschke/paygate/pkg/payment"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.PaymentRecord{}, &models.WebhookEvent{}, &models.WebhookDelivery{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestPaymentRepository_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewPaymentRepository(openTestDB(t))

	_, ok, err := repo.Load(ctx, "pay_1")
	require.NoError(t, err)
	assert.False(t, ok)

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := payment.Payment{
		ID:               "pay_1",
		Status:           payment.StatusPending,
		Amount:           2000,
		Currency:         "PLN",
		PaymentURL:       "https://pay.example/pay_1",
		IdempotencyKey:   "tok:abc",
		CreatedAt:        created,
		LastTransitionAt: created,
		AppliedEvents:    []string{"evt_1"},
	}
	require.NoError(t, repo.Save(ctx, p))

	p.Status = payment.StatusRefunding
	p.PendingRefund = 500
	p.RefundFrom = payment.StatusPaid
	p.AppliedEvents = append(p.AppliedEvents, "evt_2")
	p.LastTransitionAt = created.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, p))

	got, ok, err := repo.Load(ctx, "pay_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payment.StatusRefunding, got.Status)
	assert.Equal(t, int64(500), got.PendingRefund)
	assert.Equal(t, payment.StatusPaid, got.RefundFrom)
	assert.Equal(t, []string{"evt_1", "evt_2"}, got.AppliedEvents)
	assert.Equal(t, "tok:abc", got.IdempotencyKey)
	assert.True(t, created.Add(time.Minute).Equal(got.LastTransitionAt))

	records, err := repo.ListByStatus(ctx, payment.StatusRefunding, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "pay_1", records[0].PaymentID)
}

func TestPaymentRepository_BacksTracker(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	tr := payment.NewTracker(payment.WithStore(NewPaymentRepository(db)))

	_, err := tr.Track(ctx, payment.Payment{ID: "pay_1", Status: payment.StatusPaid, Amount: 2000, Currency: "PLN"})
	require.NoError(t, err)
	_, err = tr.BeginRefund(ctx, "pay_1", 500)
	require.NoError(t, err)
	_, _, err = tr.SettleRefund(ctx, "pay_1", payment.RefundSuccess)
	require.NoError(t, err)

	// A second tracker over the same table sees the persisted state.
	other := payment.NewTracker(payment.WithStore(NewPaymentRepository(db)))
	p, err := other.Get(ctx, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPartiallyRefunded, p.Status)
	assert.Equal(t, int64(1500), p.Remaining())
}

func TestWebhookEventRepository_MarkSeen(t *testing.T) {
	ctx := context.Background()
	repo := NewWebhookEventRepository(openTestDB(t)).(*webhookEventRepository)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	first, err := repo.MarkSeen(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	first, err = repo.MarkSeen(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, first)

	now = now.Add(2 * time.Hour)
	first, err = repo.MarkSeen(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first, "expired claims are taken over")

	require.NoError(t, repo.Forget(ctx, "evt_1"))
	first, err = repo.MarkSeen(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	purged, err := repo.PurgeExpired(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestPurgeWebhookEvents(t *testing.T) {
	ctx := context.Background()
	repo := NewWebhookEventRepository(openTestDB(t)).(*webhookEventRepository)
	past := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return past }

	_, err := repo.MarkSeen(ctx, "evt_old", time.Hour)
	require.NoError(t, err)
	_, err = repo.MarkSeen(ctx, "evt_live", 100*365*24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, int64(1), purgeWebhookEvents(ctx, repo, past.Add(2*time.Hour)))
	assert.Equal(t, int64(0), purgeWebhookEvents(ctx, repo, past.Add(2*time.Hour)))

	_, err = repo.MarkSeen(ctx, "evt_old", time.Hour)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		PurgeWebhookEvents(runCtx, repo, 10*time.Millisecond)
	}()
	assert.Eventually(t, func() bool {
		ev, err := repo.GetByEventID(ctx, "evt_old")
		return err == nil && ev == nil
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	live, err := repo.GetByEventID(ctx, "evt_live")
	require.NoError(t, err)
	assert.NotNil(t, live)
}

func TestWebhookEventRepository_Record(t *testing.T) {
	ctx := context.Background()
	repo := NewWebhookEventRepository(openTestDB(t))
	received := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := repo.MarkSeen(ctx, "evt_1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, repo.Record(ctx, webhook.Receipt{
		EventID:        "evt_1",
		EventType:      webhook.TypePaymentPaid,
		PaymentID:      "pay_1",
		Payload:        []byte(`{"id":"evt_1"}`),
		SignatureValid: true,
		ReceivedAt:     received,
	}))
	require.NoError(t, repo.Record(ctx, webhook.Receipt{
		EventID:        "evt_1",
		EventType:      webhook.TypePaymentPaid,
		Payload:        []byte(`{"id":"evt_1"}`),
		SignatureValid: true,
		Duplicate:      true,
		ReceivedAt:     received.Add(time.Second),
	}))
	require.NoError(t, repo.Record(ctx, webhook.Receipt{
		Payload:         []byte(`forged`),
		ProcessingError: "invalid signature",
		ReceivedAt:      received,
	}))

	event, err := repo.GetByEventID(ctx, "evt_1")
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "pay_1", event.PaymentID)
	assert.Equal(t, webhook.TypePaymentPaid, event.EventType)
	assert.NotNil(t, event.ProcessedAt)
	assert.Empty(t, event.ProcessingError)

	deliveries, err := repo.ListDeliveries(ctx, "evt_1")
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.False(t, deliveries[0].Duplicate)
	assert.True(t, deliveries[1].Duplicate)

	missing, err := repo.GetByEventID(ctx, "evt_404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWebhookEventRepository_BacksHandler(t *testing.T) {
	ctx := context.Background()
	repo := NewWebhookEventRepository(openTestDB(t))
	tr := payment.NewTracker()
	_, err := tr.Track(ctx, payment.Payment{ID: "pay_1", Status: payment.StatusPending, Amount: 2000})
	require.NoError(t, err)

	h := webhook.NewHandler("whsec", tr, webhook.WithDedup(repo), webhook.WithJournal(repo))
	raw := []byte(`{"id":"evt_1","type":"payment.paid","data":{"payment_id":"pay_1","status":"paid"}}`)
	sig := webhook.Sign(raw, "whsec")

	res, err := h.Handle(ctx, raw, sig)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	res, err = h.Handle(ctx, raw, sig)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	deliveries, err := repo.ListDeliveries(ctx, "evt_1")
	require.NoError(t, err)
	assert.Len(t, deliveries, 2)
}
