package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/tracing"
)

// Verifier checks IMAP credentials by connecting, logging in and logging
// straight back out. Used when verifying account settings.
type Verifier struct {
	dialTimeout time.Duration
}

func NewVerifier() *Verifier {
	return &Verifier{dialTimeout: 30 * time.Second}
}

// Verify connects to the account's IMAP server and authenticates.
func (v *Verifier) Verify(ctx context.Context, account *models.Account) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Verifier.Verify")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, account.ID)
	span.SetTag("server", account.ImapHost)
	span.SetTag("port", account.ImapPort)
	span.SetTag("tls", account.ImapTLS)

	serverAddr := account.ImapAddr()

	dialer := &net.Dialer{
		Timeout:   v.dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var c *client.Client
	var err error

	if account.ImapTLS {
		tlsConfig := &tls.Config{
			ServerName: account.ImapHost,
		}
		c, err = client.DialWithDialerTLS(dialer, serverAddr, tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, serverAddr)
	}

	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer c.Logout()

	c.Timeout = v.dialTimeout

	err = c.Login(account.EffectiveImapUsername(), account.ImapPassword)
	if err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("failed to login as %s: %w", account.EffectiveImapUsername(), err)
	}

	if err = c.Noop(); err != nil {
		tracing.TraceErr(span, err)
		return fmt.Errorf("connection check failed: %w", err)
	}

	span.SetTag("success", true)
	return nil
}
