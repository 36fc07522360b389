package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"

	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/internal/enum"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/services/pool"
)

// Dialer opens authenticated SMTP sessions. Port 465 uses implicit TLS,
// everything else negotiates STARTTLS when the account asks for it.
type Dialer struct {
	dialTimeout func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewDialer() *Dialer {
	var d net.Dialer
	return &Dialer{dialTimeout: d.DialContext}
}

func (d *Dialer) Dial(ctx context.Context, account *models.Account) (pool.Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Dialer.Dial")
	defer span.Finish()
	tracing.TagAccount(span, account.ID)
	span.LogKV("smtp_server", account.SmtpHost)
	span.LogKV("smtp_port", account.SmtpPort)

	addr := account.SmtpAddr()
	tlsConfig := &tls.Config{ServerName: account.SmtpHost}

	conn, err := d.dialTimeout(ctx, "tcp", addr)
	if err != nil {
		err = fmt.Errorf("failed to connect to SMTP server: %w", err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	if account.SmtpSecurity == enum.EmailSecuritySSL {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, account.SmtpHost)
	if err != nil {
		conn.Close()
		err = fmt.Errorf("failed to create SMTP client: %w", err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	if account.SmtpSecurity == enum.EmailSecurityStartTLS {
		if err = client.StartTLS(tlsConfig); err != nil {
			client.Close()
			err = fmt.Errorf("failed to start TLS: %w", err)
			tracing.TraceErr(span, err)
			return nil, err
		}
	}

	auth := smtp.PlainAuth("", account.EffectiveSmtpUsername(), account.SmtpPassword, account.SmtpHost)
	if err = client.Auth(auth); err != nil {
		client.Close()
		err = fmt.Errorf("SMTP authentication failed: %w", err)
		tracing.TraceErr(span, err)
		return nil, err
	}

	return &session{client: client}, nil
}

// session adapts a net/smtp client to the pool session contract.
type session struct {
	client *smtp.Client
}

func (s *session) Noop() error {
	return s.client.Noop()
}

func (s *session) SendMail(ctx context.Context, from string, recipients []string, msg []byte) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "session.SendMail")
	defer span.Finish()
	span.LogKV("from_address", from)
	span.LogKV("recipients", len(recipients))

	if err := s.client.Mail(from); err != nil {
		err = fmt.Errorf("SMTP MAIL command failed: %w", err)
		tracing.TraceErr(span, err)
		return err
	}

	for _, recipient := range recipients {
		if err := s.client.Rcpt(recipient); err != nil {
			err = fmt.Errorf("SMTP RCPT command failed for %s: %w", recipient, err)
			tracing.TraceErr(span, err)
			return err
		}
	}

	dataWriter, err := s.client.Data()
	if err != nil {
		err = fmt.Errorf("SMTP DATA command failed: %w", err)
		tracing.TraceErr(span, err)
		return err
	}

	if _, err = dataWriter.Write(msg); err != nil {
		err = fmt.Errorf("failed to write email data: %w", err)
		tracing.TraceErr(span, err)
		return err
	}

	if err = dataWriter.Close(); err != nil {
		err = fmt.Errorf("failed to close data writer: %w", err)
		tracing.TraceErr(span, err)
		return err
	}

	return nil
}

func (s *session) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
