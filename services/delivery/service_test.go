package delivery

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/models"
)

func TestDeliveryService_EnqueuePersistsQueuedRecord(t *testing.T) {
	// Arrange
	f := newFixture(t)
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		ToAddresses: []string{"rcpt@example.org"},
		Subject:     "Invoice 1042",
		BodyText:    "Please find the invoice attached.",
	}

	// Act
	stored, err := f.service.Enqueue(context.Background(), delivery)

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, enum.DeliveryStatusQueued, stored.Status)
	// from defaults to the account address
	assert.Equal(t, f.account.EmailAddress, stored.FromAddress)
	// the worker gets nudged instead of waiting for the next poll
	assert.Len(t, f.service.wake, 1)
	// nothing is sent at enqueue time
	assert.Equal(t, 0, f.session.sendCount())
}

func TestDeliveryService_EnqueueRejectsUnknownAccount(t *testing.T) {
	// Arrange
	f := newFixture(t)
	delivery := &models.Delivery{
		AccountID:   "acct_missing",
		ToAddresses: []string{"rcpt@example.org"},
		Subject:     "Hello",
		BodyText:    "Hi",
	}

	// Act
	_, err := f.service.Enqueue(context.Background(), delivery)

	// Assert
	assert.ErrorIs(t, err, er.ErrAccountNotFound)
}

func TestDeliveryService_EnqueueRejectsInvalidRecipient(t *testing.T) {
	// Arrange
	f := newFixture(t)
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		ToAddresses: []string{"not an address"},
		Subject:     "Hello",
		BodyText:    "Hi",
	}

	// Act
	_, err := f.service.Enqueue(context.Background(), delivery)

	// Assert
	assert.ErrorIs(t, err, er.ErrInvalidEmail)
}

func TestDeliveryService_EnqueueRequiresContent(t *testing.T) {
	// Arrange
	f := newFixture(t)
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		ToAddresses: []string{"rcpt@example.org"},
		Subject:     "Hello",
	}

	// Act
	_, err := f.service.Enqueue(context.Background(), delivery)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text or HTML content")
}

func TestDeliveryService_SendNowDeliversSynchronously(t *testing.T) {
	// Arrange
	f := newFixture(t)
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		ToAddresses: []string{"rcpt@example.org"},
		CcAddresses: []string{"cc@example.org"},
		Subject:     "Build passed",
		BodyText:    "All green.",
	}

	// Act
	sent, err := f.service.SendNow(context.Background(), delivery)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, enum.DeliveryStatusSent, sent.Status)
	assert.NotNil(t, sent.SentAt)
	assert.NotEmpty(t, sent.MessageID)
	assert.Equal(t, 1, f.session.sendCount())
	assert.Equal(t, 1, f.publisher.count())

	// the envelope snapshot is persisted with the record
	stored := f.deliveryRepo.record(sent.ID)
	require.NotNil(t, stored.Envelope)
	assert.Equal(t, sent.MessageID, stored.Envelope["messageId"])
}

func TestDeliveryService_SendNowReturnsRecordOnFailure(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.session.sendErr = errors.New("write tcp: broken pipe")
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		ToAddresses: []string{"rcpt@example.org"},
		Subject:     "Build passed",
		BodyText:    "All green.",
	}

	// Act
	failed, err := f.service.SendNow(context.Background(), delivery)

	// Assert: no retry layer, the caller gets the record and the error
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, enum.DeliveryStatusFailed, failed.Status)
	assert.Contains(t, failed.LastError, "broken pipe")
	assert.Equal(t, enum.DeliveryStatusFailed, f.deliveryRepo.status(failed.ID))
	assert.Equal(t, 1, f.publisher.count())
}

func TestDeliveryService_SendNowIsNeverVisibleAsOrphan(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.session.sendErr = errors.New("write tcp: broken pipe")
	delivery := &models.Delivery{
		AccountID:   f.account.ID,
		ToAddresses: []string{"rcpt@example.org"},
		Subject:     "Build passed",
		BodyText:    "All green.",
	}

	// Act
	failed, err := f.service.SendNow(context.Background(), delivery)
	require.Error(t, err)

	// Assert: the record lands terminal, so startup orphan recovery finds
	// nothing to requeue and the sync failure never retries asynchronously
	requeued, err := f.deliveryRepo.RequeueOrphans(context.Background())
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, enum.DeliveryStatusFailed, f.deliveryRepo.status(failed.ID))
}

func TestDeliveryService_GetStatus(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)

	// Act
	found, err := f.service.GetStatus(context.Background(), record.ID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, record.ID, found.ID)

	_, err = f.service.GetStatus(context.Background(), "dlv_missing")
	assert.ErrorIs(t, err, er.ErrDeliveryNotFound)
}

func TestDeliveryService_DiscardQueuedRecord(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)

	// Act
	err := f.service.Discard(context.Background(), record.ID)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, enum.DeliveryStatusDiscarded, f.deliveryRepo.status(record.ID))
}

func TestDeliveryService_DiscardClaimedRecordConflicts(t *testing.T) {
	// Arrange
	f := newFixture(t)
	record := f.queuedDelivery(t)
	claimed, err := f.deliveryRepo.Claim(context.Background(), record.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Act
	err = f.service.Discard(context.Background(), record.ID)

	// Assert
	assert.ErrorIs(t, err, er.ErrAlreadyClaimed)
	assert.Equal(t, enum.DeliveryStatusSending, f.deliveryRepo.status(record.ID))
}
