package interfaces

import (
	"context"

	"github.com/mailbridge/mailbridge/internal/enum"
)

type DiscoveryService interface {
	// Discover resolves SMTP/IMAP settings for the address's domain within
	// the configured deadline; partial results are returned as-is
	Discover(ctx context.Context, email string) (*DiscoveryResult, error)
	// DiscoverStream emits ordered phase events followed by exactly one
	// terminal complete event, then closes the channel
	DiscoverStream(ctx context.Context, email string) <-chan DiscoveryEvent
}

// DiscoveryCandidate is one possible server setting found by a prober
type DiscoveryCandidate struct {
	Protocol enum.DiscoveryProtocol `json:"protocol"`
	Host     string                 `json:"host"`
	Port     int                    `json:"port"`
	Source   enum.DiscoverySource   `json:"source"`
	Priority int                    `json:"priority"`
	Verified bool                   `json:"verified"`
}

type DiscoveryResult struct {
	Domain       string               `json:"domain"`
	SMTPHost     string               `json:"smtp_host,omitempty"`
	SMTPPort     int                  `json:"smtp_port,omitempty"`
	SMTPSource   enum.DiscoverySource `json:"smtp_source,omitempty"`
	SMTPVerified bool                 `json:"smtp_verified"`
	IMAPHost     string               `json:"imap_host,omitempty"`
	IMAPPort     int                  `json:"imap_port,omitempty"`
	IMAPSource   enum.DiscoverySource `json:"imap_source,omitempty"`
	IMAPVerified bool                 `json:"imap_verified"`
}

func (r *DiscoveryResult) Empty() bool {
	return r.SMTPHost == "" && r.IMAPHost == ""
}

const (
	DiscoveryEventPhase    = "phase"
	DiscoveryEventComplete = "complete"
)

type DiscoveryEvent struct {
	Type       string               `json:"-"`
	Name       string               `json:"name,omitempty"`
	Message    string               `json:"message,omitempty"`
	Candidates []DiscoveryCandidate `json:"candidates,omitempty"`
	Result     *DiscoveryResult     `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
}
