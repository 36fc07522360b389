package interfaces

import (
	"context"

	"github.com/mailbridge/mailbridge/internal/models"
)

type AccountService interface {
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	// UpdateCredentials stores new secrets, bumps the credential version and
	// invalidates the account's pooled connections
	UpdateCredentials(ctx context.Context, id string, update AccountCredentialsUpdate) (*models.Account, error)
	// Verify opens fresh SMTP and IMAP sessions outside the pool to confirm
	// the stored settings still authenticate
	Verify(ctx context.Context, id string) (*AccountVerifyResult, error)
}

type AccountCredentialsUpdate struct {
	SmtpUsername *string `json:"smtpUsername"`
	SmtpPassword *string `json:"smtpPassword"`
	ImapUsername *string `json:"imapUsername"`
	ImapPassword *string `json:"imapPassword"`
}

type AccountVerifyResult struct {
	SmtpOK    bool   `json:"smtpOk"`
	SmtpError string `json:"smtpError,omitempty"`
	ImapOK    bool   `json:"imapOk"`
	ImapError string `json:"imapError,omitempty"`
}
