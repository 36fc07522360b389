package repository

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"gorm.io/gorm"

	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/internal/utils"
)

type accountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) interfaces.AccountRepository {
	return &accountRepository{
		db: db,
	}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.Create")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	result := r.db.WithContext(ctx).Create(account)
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return result.Error
	}

	return nil
}

func (r *accountRepository) Update(ctx context.Context, account *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.Update")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, account.ID)

	return r.db.WithContext(ctx).Save(account).Error
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.GetByID")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, id)

	var account models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByEmailAddress(ctx context.Context, address string) (*models.Account, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.GetByEmailAddress")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)

	var account models.Account
	if err := r.db.WithContext(ctx).Where("email_address = ?", address).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		tracing.TraceErr(span, err)
		return nil, err
	}
	return &account, nil
}

// BumpCredentialVersion increments the version marker atomically so stale
// pooled connections can never be leased again
func (r *accountRepository) BumpCredentialVersion(ctx context.Context, id string) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "accountRepository.BumpCredentialVersion")
	defer span.Finish()
	tracing.TagComponentPostgresRepository(span)
	tracing.TagAccount(span, id)

	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"credential_version": gorm.Expr("credential_version + 1"),
			"updated_at":         utils.Now(),
		})
	if result.Error != nil {
		tracing.TraceErr(span, result.Error)
		return 0, result.Error
	}

	var account models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	return account.CredentialVersion, nil
}
