package delivery

import (
	"context"
	"strings"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/internal/utils"
	"github.com/mailbridge/mailbridge/services/pool"
	"github.com/mailbridge/mailbridge/services/smtp"
)

type Service struct {
	cfg          *config.WorkerConfig
	log          logger.Logger
	repositories *repository.Repositories
	pool         *pool.ConnectionPool
	events       interfaces.EventsPublisher
	wake         chan struct{}
}

func NewDeliveryService(
	cfg *config.WorkerConfig,
	log logger.Logger,
	repositories *repository.Repositories,
	connectionPool *pool.ConnectionPool,
	events interfaces.EventsPublisher,
) *Service {
	return &Service{
		cfg:          cfg,
		log:          log,
		repositories: repositories,
		pool:         connectionPool,
		events:       events,
		wake:         make(chan struct{}, 1),
	}
}

func (s *Service) Enqueue(ctx context.Context, delivery *models.Delivery) (*models.Delivery, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeliveryService.Enqueue")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, delivery.AccountID)

	account, err := s.loadAccount(ctx, delivery.AccountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if err := s.validateDelivery(ctx, delivery, account); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	delivery.Status = enum.DeliveryStatusQueued
	if err := s.repositories.DeliveryRepository.Create(ctx, delivery); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	tracing.TagDelivery(span, delivery.ID)

	s.notifyWorker()
	return delivery, nil
}

func (s *Service) SendNow(ctx context.Context, delivery *models.Delivery) (*models.Delivery, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeliveryService.SendNow")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, delivery.AccountID)

	account, err := s.loadAccount(ctx, delivery.AccountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if err := s.validateDelivery(ctx, delivery, account); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	// The record is only persisted once the attempt settles, already in a
	// terminal state, so startup orphan recovery never turns a synchronous
	// request into an asynchronous retry.
	delivery.ClaimedAt = utils.NowPtr()
	sendErr := s.dispatch(ctx, delivery, account)
	if sendErr != nil {
		tracing.TraceErr(span, sendErr)
		delivery.Status = enum.DeliveryStatusFailed
		delivery.LastError = sendErr.Error()
	} else {
		delivery.Status = enum.DeliveryStatusSent
		delivery.SentAt = utils.NowPtr()
	}

	if err := s.repositories.DeliveryRepository.Create(ctx, delivery); err != nil {
		tracing.TraceErr(span, err)
		if sendErr == nil {
			return nil, err
		}
	}
	tracing.TagDelivery(span, delivery.ID)

	s.publishEvent(ctx, delivery)
	return delivery, sendErr
}

func (s *Service) GetStatus(ctx context.Context, id string) (*models.Delivery, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeliveryService.GetStatus")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagDelivery(span, id)

	delivery, err := s.repositories.DeliveryRepository.GetByID(ctx, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if delivery == nil {
		tracing.TraceErr(span, er.ErrDeliveryNotFound)
		return nil, er.ErrDeliveryNotFound
	}
	return delivery, nil
}

func (s *Service) Discard(ctx context.Context, id string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeliveryService.Discard")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagDelivery(span, id)

	discarded, err := s.repositories.DeliveryRepository.Discard(ctx, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if !discarded {
		tracing.TraceErr(span, er.ErrAlreadyClaimed)
		return er.ErrAlreadyClaimed
	}
	return nil
}

// dispatch renders the message and sends it through a pooled connection.
// The returned error is always a *smtp.SendError so callers can branch on
// the failure class.
func (s *Service) dispatch(ctx context.Context, delivery *models.Delivery, account *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DeliveryService.dispatch")
	defer span.Finish()
	tracing.TagAccount(span, account.ID)
	tracing.TagDelivery(span, delivery.ID)

	message, envelope, err := buildMessage(ctx, delivery, emailDomain(account.EmailAddress))
	if err != nil {
		tracing.TraceErr(span, err)
		return smtp.Classify(err)
	}

	delivery.Envelope = envelope
	// synchronous sends are not persisted yet at this point
	if delivery.ID != "" {
		if err := s.repositories.DeliveryRepository.SetEnvelope(ctx, delivery.ID, envelope); err != nil {
			tracing.TraceErr(span, err)
		}
	}

	conn, err := s.pool.Acquire(ctx, account)
	if err != nil {
		tracing.TraceErr(span, err)
		return smtp.Classify(err)
	}

	err = conn.Session().SendMail(ctx, delivery.FromAddress, delivery.AllRecipients(), message.Bytes())
	s.pool.Release(conn, err != nil)
	if err != nil {
		tracing.TraceErr(span, err)
		return smtp.Classify(err)
	}
	return nil
}

func (s *Service) loadAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if accountID == "" {
		return nil, errors.New("account id is required")
	}
	account, err := s.repositories.AccountRepository.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, er.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) validateDelivery(ctx context.Context, delivery *models.Delivery, account *models.Account) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "DeliveryService.validateDelivery")
	defer span.Finish()

	if delivery.FromAddress == "" {
		delivery.FromAddress = account.EmailAddress
	}
	validation := mailvalidate.ValidateEmailSyntax(delivery.FromAddress)
	if !validation.IsValid {
		return errors.Wrap(er.ErrInvalidEmail, delivery.FromAddress)
	}

	if len(delivery.ToAddresses) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, recipient := range delivery.AllRecipients() {
		if v := mailvalidate.ValidateEmailSyntax(recipient); !v.IsValid {
			return errors.Wrap(er.ErrInvalidEmail, recipient)
		}
	}

	if delivery.Subject == "" {
		return errors.New("email must have a subject")
	}
	if delivery.BodyText == "" && delivery.BodyHTML == "" {
		return errors.New("email must have either text or HTML content")
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, delivery *models.Delivery) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishDeliveryEvent(ctx, delivery); err != nil {
		s.log.Warnf("failed to publish delivery event for %s: %v", delivery.ID, err)
	}
}

func (s *Service) notifyWorker() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func emailDomain(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return address
}
