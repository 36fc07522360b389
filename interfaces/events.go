package interfaces

import (
	"context"

	"github.com/mailbridge/mailbridge/internal/models"
)

// EventsPublisher broadcasts delivery lifecycle changes to interested
// consumers. Publishing is best-effort and must never influence queue state.
type EventsPublisher interface {
	PublishDeliveryEvent(ctx context.Context, delivery *models.Delivery) error
	Close() error
}
