package dto

import (
	"time"

	"github.com/lib/pq"

	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/models"
)

type SendEmailRequest struct {
	AccountID string   `json:"accountId"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Cc        []string `json:"cc"`
	Bcc       []string `json:"bcc"`
	ReplyTo   string   `json:"replyTo"`
	Subject   string   `json:"subject"`
	BodyText  string   `json:"bodyText"`
	BodyHTML  string   `json:"bodyHtml"`
}

func (r SendEmailRequest) ToDelivery() *models.Delivery {
	return &models.Delivery{
		AccountID:    r.AccountID,
		FromAddress:  r.From,
		ToAddresses:  pq.StringArray(r.To),
		CcAddresses:  pq.StringArray(r.Cc),
		BccAddresses: pq.StringArray(r.Bcc),
		ReplyTo:      r.ReplyTo,
		Subject:      r.Subject,
		BodyText:     r.BodyText,
		BodyHTML:     r.BodyHTML,
	}
}

type CreateAccountRequest struct {
	EmailAddress string `json:"emailAddress"`
	DisplayName  string `json:"displayName"`
	SmtpHost     string `json:"smtpHost"`
	SmtpPort     int    `json:"smtpPort"`
	SmtpSecurity string `json:"smtpSecurity"`
	SmtpUsername string `json:"smtpUsername"`
	SmtpPassword string `json:"smtpPassword"`
	ImapHost     string `json:"imapHost"`
	ImapPort     int    `json:"imapPort"`
	ImapTLS      bool   `json:"imapTls"`
	ImapUsername string `json:"imapUsername"`
	ImapPassword string `json:"imapPassword"`
}

func (r CreateAccountRequest) ToAccount() *models.Account {
	security := enum.EmailSecurity(r.SmtpSecurity)
	if security == "" {
		security = enum.EmailSecurityStartTLS
	}
	return &models.Account{
		EmailAddress: r.EmailAddress,
		DisplayName:  r.DisplayName,
		SmtpHost:     r.SmtpHost,
		SmtpPort:     r.SmtpPort,
		SmtpSecurity: security,
		SmtpUsername: r.SmtpUsername,
		SmtpPassword: r.SmtpPassword,
		ImapHost:     r.ImapHost,
		ImapPort:     r.ImapPort,
		ImapTLS:      r.ImapTLS,
		ImapUsername: r.ImapUsername,
		ImapPassword: r.ImapPassword,
	}
}

// DeliveryStatusResponse is the public view of a delivery record, secrets
// and raw bodies excluded.
type DeliveryStatusResponse struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"accountId"`
	Status      string  `json:"status"`
	MessageID   string  `json:"messageId,omitempty"`
	RetryCount  int     `json:"retryCount"`
	NextRetryAt *string `json:"nextRetryAt,omitempty"`
	LastError   string  `json:"lastError,omitempty"`
	SentAt      *string `json:"sentAt,omitempty"`
}

func NewDeliveryStatusResponse(delivery *models.Delivery) DeliveryStatusResponse {
	resp := DeliveryStatusResponse{
		ID:         delivery.ID,
		AccountID:  delivery.AccountID,
		Status:     delivery.Status.String(),
		MessageID:  delivery.MessageID,
		RetryCount: delivery.RetryCount,
		LastError:  delivery.LastError,
	}
	if delivery.NextRetryAt != nil {
		s := delivery.NextRetryAt.UTC().Format(time.RFC3339)
		resp.NextRetryAt = &s
	}
	if delivery.SentAt != nil {
		s := delivery.SentAt.UTC().Format(time.RFC3339)
		resp.SentAt = &s
	}
	return resp
}
