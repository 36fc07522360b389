package events

import (
	"context"

	"github.com/mailbridge/mailbridge/internal/models"
)

// NoopPublisher is used when no RabbitMQ URL is configured. Delivery
// processing never depends on event publication succeeding.
type NoopPublisher struct{}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (p *NoopPublisher) PublishDeliveryEvent(ctx context.Context, delivery *models.Delivery) error {
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}
