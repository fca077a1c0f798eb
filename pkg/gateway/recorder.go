package gateway

import "context"

// Counter names passed to a Recorder.
const (
	CounterAttempt                 = "attempt"
	CounterRetry                   = "retry"
	CounterGaveUp                  = "gave_up"
	CounterRejected                = "rejected"
	CounterCancelled               = "cancelled"
	CounterWebhookApplied          = "webhook_applied"
	CounterWebhookDuplicate        = "webhook_duplicate"
	CounterWebhookInvalidSignature = "webhook_invalid_signature"
	CounterWebhookMalformed        = "webhook_malformed"
	CounterWebhookProcessingFailed = "webhook_processing_failed"
)

// Recorder counts client events. Implementations must not block.
type Recorder interface {
	Incr(ctx context.Context, name string)
}

type nopRecorder struct{}

func (nopRecorder) Incr(context.Context, string) {}
