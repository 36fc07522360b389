package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/utils"
)

// Account is a configured mailbox identity with its current connection settings
type Account struct {
	ID           string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	EmailAddress string `gorm:"column:email_address;type:varchar(255);uniqueIndex;not null" json:"emailAddress"`
	DisplayName  string `gorm:"column:display_name;type:varchar(255)" json:"displayName"`
	// SMTP Configuration
	SmtpHost     string             `gorm:"column:smtp_host;type:varchar(255);not null" json:"smtpHost"`
	SmtpPort     int                `gorm:"column:smtp_port;not null" json:"smtpPort"`
	SmtpSecurity enum.EmailSecurity `gorm:"column:smtp_security;type:varchar(50);default:startTLS" json:"smtpSecurity"`
	SmtpUsername string             `gorm:"column:smtp_username;type:varchar(255)" json:"smtpUsername"`
	SmtpPassword string             `gorm:"column:smtp_password;type:varchar(255)" json:"-"`
	// IMAP Configuration
	ImapHost     string `gorm:"column:imap_host;type:varchar(255)" json:"imapHost"`
	ImapPort     int    `gorm:"column:imap_port" json:"imapPort"`
	ImapTLS      bool   `gorm:"column:imap_tls;not null;default:true" json:"imapTls"`
	ImapUsername string `gorm:"column:imap_username;type:varchar(255)" json:"imapUsername"`
	ImapPassword string `gorm:"column:imap_password;type:varchar(255)" json:"-"`
	// Credential rotation marker, bumped on every credential update.
	// Pooled connections created under an older version are never leased again.
	CredentialVersion int64 `gorm:"column:credential_version;not null;default:0" json:"credentialVersion"`
	// Standard timestamps
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Account) TableName() string {
	return "accounts"
}

func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	a.CreatedAt = utils.Now()
	return nil
}

func (a *Account) SmtpAddr() string {
	return fmt.Sprintf("%s:%d", a.SmtpHost, a.SmtpPort)
}

func (a *Account) ImapAddr() string {
	return fmt.Sprintf("%s:%d", a.ImapHost, a.ImapPort)
}

// EffectiveSmtpUsername falls back to the account address when no explicit
// SMTP username was configured
func (a *Account) EffectiveSmtpUsername() string {
	if a.SmtpUsername != "" {
		return a.SmtpUsername
	}
	return a.EmailAddress
}

func (a *Account) EffectiveImapUsername() string {
	if a.ImapUsername != "" {
		return a.ImapUsername
	}
	return a.EmailAddress
}
