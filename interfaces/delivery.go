package interfaces

import (
	"context"

	"github.com/mailbridge/mailbridge/internal/models"
)

type DeliveryService interface {
	// Enqueue validates and persists a queued delivery record for the
	// background worker, returning the stored record
	Enqueue(ctx context.Context, delivery *models.Delivery) (*models.Delivery, error)
	// SendNow delivers synchronously through the connection pool, bypassing
	// the queue. No retry layer: the first error is returned to the caller.
	SendNow(ctx context.Context, delivery *models.Delivery) (*models.Delivery, error)
	GetStatus(ctx context.Context, id string) (*models.Delivery, error)
	// Discard cancels a record that has not been claimed yet
	Discard(ctx context.Context, id string) error
}
