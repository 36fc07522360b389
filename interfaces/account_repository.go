package interfaces

import (
	"context"

	"github.com/mailbridge/mailbridge/internal/models"
)

type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id string) (*models.Account, error)
	GetByEmailAddress(ctx context.Context, address string) (*models.Account, error)
	// BumpCredentialVersion atomically increments the account's credential
	// version and returns the new value
	BumpCredentialVersion(ctx context.Context, id string) (int64, error)
}
