package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/utils"
)

// Delivery is one outbound message tracked through its status lifecycle.
// Terminal records (sent, failed, discarded) are retained for audit and are
// never hard-deleted by the transport layer.
type Delivery struct {
	ID        string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	AccountID string `gorm:"column:account_id;type:varchar(50);index;not null" json:"accountId"`
	MessageID string `gorm:"column:message_id;type:varchar(255);index" json:"messageId"`

	// Envelope
	FromAddress  string         `gorm:"column:from_address;type:varchar(255);not null" json:"fromAddress"`
	ToAddresses  pq.StringArray `gorm:"column:to_addresses;type:text[];not null" json:"toAddresses"`
	CcAddresses  pq.StringArray `gorm:"column:cc_addresses;type:text[]" json:"ccAddresses"`
	BccAddresses pq.StringArray `gorm:"column:bcc_addresses;type:text[]" json:"bccAddresses"`
	ReplyTo      string         `gorm:"column:reply_to;type:varchar(255)" json:"replyTo"`

	// Content
	Subject  string `gorm:"column:subject;type:varchar(1000)" json:"subject"`
	BodyText string `gorm:"column:body_text;type:text" json:"bodyText"`
	BodyHTML string `gorm:"column:body_html;type:text" json:"bodyHtml"`

	// Queue state
	Status     enum.DeliveryStatus `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	RetryCount int                 `gorm:"column:retry_count;not null;default:0" json:"retryCount"`
	NextRetryAt *time.Time         `gorm:"column:next_retry_at;type:timestamp;index" json:"nextRetryAt"`
	LastError  string              `gorm:"column:last_error;type:text" json:"lastError"`
	ClaimedAt  *time.Time          `gorm:"column:claimed_at;type:timestamp" json:"claimedAt"`
	SentAt     *time.Time          `gorm:"column:sent_at;type:timestamp" json:"sentAt"`

	// Raw metadata captured while building the wire message
	Envelope JSONMap `gorm:"column:envelope;type:jsonb" json:"envelope,omitempty"`

	// Standard timestamps
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Delivery) TableName() string {
	return "deliveries"
}

func (d *Delivery) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = utils.GenerateNanoIDWithPrefix("dlv", 24)
	}
	if d.Status == "" {
		d.Status = enum.DeliveryStatusQueued
	}
	d.CreatedAt = utils.Now()
	return nil
}

// AllRecipients returns To, Cc and Bcc addresses flattened for the SMTP envelope
func (d *Delivery) AllRecipients() []string {
	recipients := make([]string, 0, len(d.ToAddresses)+len(d.CcAddresses)+len(d.BccAddresses))
	recipients = append(recipients, d.ToAddresses...)
	recipients = append(recipients, d.CcAddresses...)
	recipients = append(recipients, d.BccAddresses...)
	return recipients
}

func (d *Delivery) HasRichContent() bool {
	return d.BodyHTML != ""
}
