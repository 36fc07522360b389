package repository

import (
	"context"
	"errors"
	"time"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/internal/utils"
)

type deliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) interfaces.DeliveryRepository {
	return &deliveryRepository{
		db: db,
	}
}

func (r *deliveryRepository) Create(ctx context.Context, delivery *models.Delivery) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Create(delivery)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

// GetByID retrieves a delivery record by its ID
func (r *deliveryRepository) GetByID(ctx context.Context, id string) (*models.Delivery, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var delivery models.Delivery
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&delivery).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &delivery, nil
}

// GetDue retrieves records ready for dispatch, oldest first
func (r *deliveryRepository) GetDue(ctx context.Context, limit int) ([]*models.Delivery, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.GetDue")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var deliveries []*models.Delivery
	if err := r.db.WithContext(ctx).
		Where("status = ? OR (status = ? AND next_retry_at <= ?)",
			enum.DeliveryStatusQueued.String(), enum.DeliveryStatusRetry.String(), utils.Now()).
		Order("created_at ASC").
		Limit(limit).
		Find(&deliveries).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	return deliveries, nil
}

// Claim performs the atomic conditional queued/retry -> sending transition.
// The WHERE clause on status is the sole exclusivity mechanism; it must hold
// across multiple worker processes sharing the database.
func (r *deliveryRepository) Claim(ctx context.Context, id string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.Claim")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagDelivery(span, id)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ? AND status IN ?", id,
			[]string{enum.DeliveryStatusQueued.String(), enum.DeliveryStatusRetry.String()}).
		Updates(map[string]interface{}{
			"status":     enum.DeliveryStatusSending.String(),
			"claimed_at": utils.Now(),
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}

	claimed := result.RowsAffected == 1
	span.SetTag("claimed", claimed)
	return claimed, nil
}

func (r *deliveryRepository) MarkSent(ctx context.Context, id string, messageID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.MarkSent")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagDelivery(span, id)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        enum.DeliveryStatusSent.String(),
			"message_id":    messageID,
			"sent_at":       utils.Now(),
			"next_retry_at": nil,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *deliveryRepository) MarkFailed(ctx context.Context, id string, lastError string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.MarkFailed")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagDelivery(span, id)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        enum.DeliveryStatusFailed.String(),
			"last_error":    lastError,
			"next_retry_at": nil,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *deliveryRepository) MarkRetry(ctx context.Context, id string, lastError string, retryCount int, nextRetryAt time.Time) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.MarkRetry")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagDelivery(span, id)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        enum.DeliveryStatusRetry.String(),
			"last_error":    lastError,
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt,
			"claimed_at":    nil,
			"updated_at":    utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

// Discard cancels a record only while nothing has claimed it yet
func (r *deliveryRepository) Discard(ctx context.Context, id string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.Discard")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagDelivery(span, id)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ? AND status = ?", id, enum.DeliveryStatusQueued.String()).
		Updates(map[string]interface{}{
			"status":     enum.DeliveryStatusDiscarded.String(),
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// RequeueOrphans resets records stuck in sending, assumed leftovers from a
// crash mid-delivery. A crash after the remote server accepted the message
// but before the status commit yields a duplicate send on the next attempt;
// the delivery guarantee is at-least-once.
func (r *deliveryRepository) RequeueOrphans(ctx context.Context) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.RequeueOrphans")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("status = ?", enum.DeliveryStatusSending.String()).
		Updates(map[string]interface{}{
			"status":     enum.DeliveryStatusQueued.String(),
			"claimed_at": nil,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	return result.RowsAffected, nil
}

func (r *deliveryRepository) CountByStatus(ctx context.Context) (map[enum.DeliveryStatus]int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.CountByStatus")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var rows []struct {
		Status string
		Count  int64
	}
	if err := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	counts := make(map[enum.DeliveryStatus]int64, len(rows))
	for _, row := range rows {
		counts[enum.DeliveryStatus(row.Status)] = row.Count
	}
	return counts, nil
}

func (r *deliveryRepository) SetEnvelope(ctx context.Context, id string, envelope models.JSONMap) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "deliveryRepository.SetEnvelope")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagDelivery(span, id)

	result := r.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"envelope":   envelope,
			"updated_at": utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}
