package account

import (
	"context"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailbridge/mailbridge/interfaces"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/repository"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/services/imap"
	"github.com/mailbridge/mailbridge/services/pool"
	"github.com/mailbridge/mailbridge/services/smtp"
)

type accountService struct {
	log          logger.Logger
	repositories *repository.Repositories
	pool         *pool.ConnectionPool
	smtpDialer   *smtp.Dialer
	imapVerifier *imap.Verifier
}

func NewAccountService(
	log logger.Logger,
	repositories *repository.Repositories,
	connectionPool *pool.ConnectionPool,
	smtpDialer *smtp.Dialer,
	imapVerifier *imap.Verifier,
) interfaces.AccountService {
	return &accountService{
		log:          log,
		repositories: repositories,
		pool:         connectionPool,
		smtpDialer:   smtpDialer,
		imapVerifier: imapVerifier,
	}
}

func (s *accountService) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountService.Create")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	validation := mailvalidate.ValidateEmailSyntax(account.EmailAddress)
	if !validation.IsValid {
		tracing.TraceErr(span, er.ErrInvalidEmail)
		return nil, errors.Wrap(er.ErrInvalidEmail, account.EmailAddress)
	}
	if account.SmtpHost == "" || account.SmtpPort == 0 {
		err := errors.New("smtp host and port are required")
		tracing.TraceErr(span, err)
		return nil, err
	}

	existing, err := s.repositories.AccountRepository.GetByEmailAddress(ctx, account.EmailAddress)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if existing != nil {
		tracing.TraceErr(span, er.ErrAccountExists)
		return nil, er.ErrAccountExists
	}

	if err := s.repositories.AccountRepository.Create(ctx, account); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	tracing.TagAccount(span, account.ID)
	return account, nil
}

func (s *accountService) GetByID(ctx context.Context, id string) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountService.GetByID")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, id)

	account, err := s.repositories.AccountRepository.GetByID(ctx, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if account == nil {
		tracing.TraceErr(span, er.ErrAccountNotFound)
		return nil, er.ErrAccountNotFound
	}
	return account, nil
}

// UpdateCredentials stores the new secrets, bumps the credential version
// and drops the account's pooled connections so the next send dials fresh.
// In-flight sends finish on the old session.
func (s *accountService) UpdateCredentials(ctx context.Context, id string, update interfaces.AccountCredentialsUpdate) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountService.UpdateCredentials")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, id)

	account, err := s.GetByID(ctx, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if update.SmtpUsername != nil {
		account.SmtpUsername = *update.SmtpUsername
	}
	if update.SmtpPassword != nil {
		account.SmtpPassword = *update.SmtpPassword
	}
	if update.ImapUsername != nil {
		account.ImapUsername = *update.ImapUsername
	}
	if update.ImapPassword != nil {
		account.ImapPassword = *update.ImapPassword
	}

	if err := s.repositories.AccountRepository.Update(ctx, account); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	version, err := s.repositories.AccountRepository.BumpCredentialVersion(ctx, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	account.CredentialVersion = version

	s.pool.Invalidate(ctx, id, version)
	return account, nil
}

// Verify dials SMTP and IMAP outside the pool to confirm the stored
// settings still authenticate. Both probes run even when one fails.
func (s *accountService) Verify(ctx context.Context, id string) (*interfaces.AccountVerifyResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "AccountService.Verify")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, id)

	account, err := s.GetByID(ctx, id)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	result := &interfaces.AccountVerifyResult{}

	session, err := s.smtpDialer.Dial(ctx, account)
	if err != nil {
		tracing.TraceErr(span, err)
		result.SmtpError = err.Error()
	} else {
		result.SmtpOK = true
		session.Close()
	}

	if account.ImapHost != "" {
		if err := s.imapVerifier.Verify(ctx, account); err != nil {
			tracing.TraceErr(span, err)
			result.ImapError = err.Error()
		} else {
			result.ImapOK = true
		}
	}

	span.LogKV("smtpOk", result.SmtpOK, "imapOk", result.ImapOK)
	return result, nil
}
