package interfaces

import (
	"context"
	"time"

	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/models"
)

type DeliveryRepository interface {
	Create(ctx context.Context, delivery *models.Delivery) error
	GetByID(ctx context.Context, id string) (*models.Delivery, error)
	// GetDue returns records ready for dispatch: queued, or retry with
	// next_retry_at in the past
	GetDue(ctx context.Context, limit int) ([]*models.Delivery, error)
	// Claim performs the atomic queued/retry -> sending transition. Exactly
	// one concurrent claimant succeeds; losers get false with no error.
	Claim(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string, messageID string) error
	MarkFailed(ctx context.Context, id string, lastError string) error
	MarkRetry(ctx context.Context, id string, lastError string, retryCount int, nextRetryAt time.Time) error
	// Discard transitions a still-queued record to discarded; returns false
	// when a worker already claimed it
	Discard(ctx context.Context, id string) (bool, error)
	// RequeueOrphans resets every record stuck in sending back to queued,
	// returning the number of records touched
	RequeueOrphans(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context) (map[enum.DeliveryStatus]int64, error)
	SetEnvelope(ctx context.Context, id string, envelope models.JSONMap) error
}
