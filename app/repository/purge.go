package repository

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// DefaultPurgeInterval is how often expired webhook claims are deleted.
const DefaultPurgeInterval = 10 * time.Minute

// PurgeWebhookEvents deletes expired dedup claims every interval until ctx
// is done. Delivery rows are kept.
func PurgeWebhookEvents(ctx context.Context, repo WebhookEventRepository, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purgeWebhookEvents(ctx, repo, now)
		}
	}
}

func purgeWebhookEvents(ctx context.Context, repo WebhookEventRepository, now time.Time) int64 {
	n, err := repo.PurgeExpired(ctx, now)
	if err != nil {
		log.Warnf("purging expired webhook events failed: %v", err)
		return 0
	}
	if n > 0 {
		log.Debugf("purged %d expired webhook events", n)
	}
	return n
}
