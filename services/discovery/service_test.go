package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
)

type fakeResolver struct {
	srv map[string][]*net.SRV
	mx  map[string][]*net.MX
}

func (r *fakeResolver) LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error) {
	key := fmt.Sprintf("_%s._%s.%s", service, proto, name)
	records, ok := r.srv[key]
	if !ok {
		return "", nil, errors.New("no such host")
	}
	return key, records, nil
}

func (r *fakeResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	records, ok := r.mx[name]
	if !ok {
		return nil, errors.New("no such host")
	}
	return records, nil
}

type fakeHTTPClient struct {
	mu        sync.Mutex
	responses map[string]string
	requested []string
}

func (c *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.requested = append(c.requested, req.URL.String())
	body, ok := c.responses[req.URL.String()]
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

type fakeProber struct {
	mu   sync.Mutex
	open map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[fmt.Sprintf("%s:%d", host, port)]
}

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

func testDiscoveryConfig() *config.DiscoveryConfig {
	return &config.DiscoveryConfig{
		OverallTimeout:    5 * time.Second,
		ProbeTimeout:      time.Second,
		AutoconfigTimeout: time.Second,
	}
}

func newService(resolver *fakeResolver, client *fakeHTTPClient, prober *fakeProber) interfaces.DiscoveryService {
	if resolver == nil {
		resolver = &fakeResolver{}
	}
	if client == nil {
		client = &fakeHTTPClient{}
	}
	if prober == nil {
		prober = &fakeProber{open: map[string]bool{}}
	}
	return NewDiscoveryService(testDiscoveryConfig(), getLogger(), resolver, client, prober)
}

const exampleAutoconfig = `<?xml version="1.0"?>
<clientConfig version="1.1">
  <emailProvider id="example.com">
    <incomingServer type="imap">
      <hostname>imap.example.com</hostname>
      <port>993</port>
      <socketType>SSL</socketType>
    </incomingServer>
    <incomingServer type="pop3">
      <hostname>pop.example.com</hostname>
      <port>995</port>
    </incomingServer>
    <outgoingServer type="smtp">
      <hostname>send.example.com</hostname>
      <port>465</port>
      <socketType>SSL</socketType>
    </outgoingServer>
  </emailProvider>
</clientConfig>`

func TestDiscover_SRVRecordsWinOverPatterns(t *testing.T) {
	// Arrange
	resolver := &fakeResolver{
		srv: map[string][]*net.SRV{
			"_submissions._tcp.example.com": {{Target: "smtp-srv.example.com.", Port: 465}},
			"_imaps._tcp.example.com":       {{Target: "imap-srv.example.com.", Port: 993}},
		},
	}
	prober := &fakeProber{open: map[string]bool{
		"smtp-srv.example.com:465": true,
		"imap-srv.example.com:993": true,
		"smtp.example.com:587":     true,
		"imap.example.com:993":     true,
	}}
	s := newService(resolver, nil, prober)

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "example.com", result.Domain)
	assert.Equal(t, "smtp-srv.example.com", result.SMTPHost)
	assert.Equal(t, 465, result.SMTPPort)
	assert.Equal(t, enum.DiscoverySourceSRV, result.SMTPSource)
	assert.True(t, result.SMTPVerified)
	assert.Equal(t, "imap-srv.example.com", result.IMAPHost)
	assert.Equal(t, 993, result.IMAPPort)
	assert.Equal(t, enum.DiscoverySourceSRV, result.IMAPSource)
}

func TestDiscover_AutoconfigBeatsPatternFallback(t *testing.T) {
	// Arrange
	client := &fakeHTTPClient{responses: map[string]string{
		"https://autoconfig.example.com/mail/config-v1.1.xml": exampleAutoconfig,
	}}
	prober := &fakeProber{open: map[string]bool{
		"send.example.com:465": true,
		"imap.example.com:993": true,
		"smtp.example.com:587": true,
	}}
	s := newService(nil, client, prober)

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "send.example.com", result.SMTPHost)
	assert.Equal(t, 465, result.SMTPPort)
	assert.Equal(t, enum.DiscoverySourceAutoconfig, result.SMTPSource)
	// pop3 incoming servers are ignored, the imap autoconfig entry wins
	assert.Equal(t, "imap.example.com", result.IMAPHost)
	assert.Equal(t, enum.DiscoverySourceAutoconfig, result.IMAPSource)
}

func TestDiscover_MXAliasExpandsProviderDomain(t *testing.T) {
	// Arrange: a Google Workspace domain, MX points at google.com
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"corp.example": {{Host: "aspmx.l.google.com.", Pref: 1}},
		},
	}
	prober := &fakeProber{open: map[string]bool{
		"smtp.gmail.com:587": true,
		"imap.gmail.com:993": true,
	}}
	s := newService(resolver, nil, prober)

	// Act
	result, err := s.Discover(context.Background(), "user@corp.example")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "smtp.gmail.com", result.SMTPHost)
	assert.Equal(t, 587, result.SMTPPort)
	assert.Equal(t, enum.DiscoverySourceMXAlias, result.SMTPSource)
	assert.Equal(t, "imap.gmail.com", result.IMAPHost)
	assert.Equal(t, 993, result.IMAPPort)
}

func TestDiscover_PatternFallbackWhenNothingElseResolves(t *testing.T) {
	// Arrange
	prober := &fakeProber{open: map[string]bool{
		"mail.example.com:587": true,
		"mail.example.com:993": true,
	}}
	s := newService(nil, nil, prober)

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", result.SMTPHost)
	assert.Equal(t, 587, result.SMTPPort)
	assert.Equal(t, enum.DiscoverySourcePattern, result.SMTPSource)
	assert.Equal(t, "mail.example.com", result.IMAPHost)
	assert.Equal(t, 993, result.IMAPPort)
}

func TestDiscover_UnreachableCandidateIsReturnedUnverified(t *testing.T) {
	// Arrange: DNS finds an SMTP server, but nothing answers probes
	resolver := &fakeResolver{
		srv: map[string][]*net.SRV{
			"_submissions._tcp.example.com": {{Target: "smtp-srv.example.com.", Port: 465}},
		},
	}
	s := newService(resolver, nil, &fakeProber{open: map[string]bool{}})

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert: the discovered candidate survives, flagged low-confidence;
	// the IMAP side only had pattern guesses and stays empty
	require.NoError(t, err)
	assert.Equal(t, "smtp-srv.example.com", result.SMTPHost)
	assert.Equal(t, 465, result.SMTPPort)
	assert.Equal(t, enum.DiscoverySourceSRV, result.SMTPSource)
	assert.False(t, result.SMTPVerified)
	assert.Empty(t, result.IMAPHost)
}

func TestDiscover_NothingResolvesReturnsNotFound(t *testing.T) {
	// Arrange: no DNS, no autoconfig, and the pattern guesses do not answer
	s := newService(nil, nil, &fakeProber{open: map[string]bool{}})

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert
	assert.Nil(t, result)
	assert.ErrorIs(t, err, er.ErrDiscoveryNotFound)
}

func TestDiscover_PartialResultIsReturned(t *testing.T) {
	// Arrange: only the SMTP side answers
	prober := &fakeProber{open: map[string]bool{
		"smtp.example.com:465": true,
	}}
	s := newService(nil, nil, prober)

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", result.SMTPHost)
	assert.Empty(t, result.IMAPHost)
	assert.False(t, result.IMAPVerified)
}

func TestDiscover_InvalidEmail(t *testing.T) {
	s := newService(nil, nil, nil)

	for _, email := range []string{"", "plainstring", "@nodomain", "user@"} {
		_, err := s.Discover(context.Background(), email)
		assert.ErrorIs(t, err, er.ErrInvalidEmail, "email %q", email)
	}
}

func TestDiscoverStream_EmitsPhasesThenComplete(t *testing.T) {
	// Arrange
	resolver := &fakeResolver{
		mx: map[string][]*net.MX{
			"corp.example": {{Host: "aspmx.l.google.com.", Pref: 1}},
		},
	}
	prober := &fakeProber{open: map[string]bool{
		"smtp.gmail.com:587": true,
		"imap.gmail.com:993": true,
	}}
	s := newService(resolver, nil, prober)

	// Act
	var events []interfaces.DiscoveryEvent
	for event := range s.DiscoverStream(context.Background(), "user@corp.example") {
		events = append(events, event)
	}

	// Assert: phase events in order, exactly one terminal complete event
	var phases []string
	for _, event := range events[:len(events)-1] {
		require.Equal(t, interfaces.DiscoveryEventPhase, event.Type)
		phases = append(phases, event.Name)
	}
	assert.Equal(t, []string{"dns", "autoconfig", "aliases", "probing"}, phases)

	last := events[len(events)-1]
	assert.Equal(t, interfaces.DiscoveryEventComplete, last.Type)
	require.NotNil(t, last.Result)
	assert.Equal(t, "smtp.gmail.com", last.Result.SMTPHost)
	assert.Empty(t, last.Error)
}

func TestDiscoverStream_SkipsAliasPhaseWithoutMX(t *testing.T) {
	// Arrange
	prober := &fakeProber{open: map[string]bool{
		"smtp.example.com:465": true,
	}}
	s := newService(nil, nil, prober)

	// Act
	var phases []string
	var complete int
	for event := range s.DiscoverStream(context.Background(), "user@example.com") {
		if event.Type == interfaces.DiscoveryEventPhase {
			phases = append(phases, event.Name)
		} else {
			complete++
		}
	}

	// Assert
	assert.Equal(t, []string{"dns", "autoconfig", "probing"}, phases)
	assert.Equal(t, 1, complete)
}

func TestDiscoverStream_ProbingEventCarriesCandidates(t *testing.T) {
	// Arrange
	s := newService(nil, nil, &fakeProber{open: map[string]bool{}})

	// Act
	var probing *interfaces.DiscoveryEvent
	for event := range s.DiscoverStream(context.Background(), "user@example.com") {
		if event.Name == "probing" {
			e := event
			probing = &e
		}
	}

	// Assert: pattern candidates for both protocols are announced
	require.NotNil(t, probing)
	hosts := make(map[string]bool)
	for _, c := range probing.Candidates {
		hosts[fmt.Sprintf("%s/%s:%d", c.Protocol, c.Host, c.Port)] = true
	}
	assert.True(t, hosts["smtp/smtp.example.com:465"])
	assert.True(t, hosts["smtp/smtp.example.com:587"])
	assert.True(t, hosts["smtp/mail.example.com:465"])
	assert.True(t, hosts["imap/imap.example.com:993"])
	assert.True(t, hosts["imap/mail.example.com:993"])
}

func TestDiscoverStream_InvalidEmailEmitsErrorComplete(t *testing.T) {
	// Arrange
	s := newService(nil, nil, nil)

	// Act
	var events []interfaces.DiscoveryEvent
	for event := range s.DiscoverStream(context.Background(), "not-an-address") {
		events = append(events, event)
	}

	// Assert
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.DiscoveryEventComplete, events[0].Type)
	assert.NotEmpty(t, events[0].Error)
	assert.Nil(t, events[0].Result)
}

func TestDiscoverStream_UnresolvableDomainEmitsErrorComplete(t *testing.T) {
	// Arrange: only pattern guesses exist and none of them answer
	s := newService(nil, nil, &fakeProber{open: map[string]bool{}})

	// Act
	var completes []interfaces.DiscoveryEvent
	for event := range s.DiscoverStream(context.Background(), "user@example.com") {
		if event.Type == interfaces.DiscoveryEventComplete {
			completes = append(completes, event)
		}
	}

	// Assert: exactly one terminal event, carrying the error instead of a result
	require.Len(t, completes, 1)
	assert.NotEmpty(t, completes[0].Error)
	assert.Nil(t, completes[0].Result)
}

type hangingProber struct{}

func (hangingProber) Probe(ctx context.Context, host string, port int) bool {
	<-ctx.Done()
	return false
}

func TestDiscoverStream_DeadlineStillEmitsComplete(t *testing.T) {
	// Arrange: every probe hangs until the overall deadline fires
	cfg := testDiscoveryConfig()
	cfg.OverallTimeout = 30 * time.Millisecond
	s := NewDiscoveryService(cfg, getLogger(), &fakeResolver{}, &fakeHTTPClient{}, hangingProber{})

	// deadline expiry must never race the terminal event away
	for i := 0; i < 20; i++ {
		// Act
		start := time.Now()
		var completes int
		var last interfaces.DiscoveryEvent
		for event := range s.DiscoverStream(context.Background(), "user@example.com") {
			if event.Type == interfaces.DiscoveryEventComplete {
				completes++
				last = event
			}
		}

		// Assert: one complete event, no earlier than the deadline
		require.Equal(t, 1, completes, "run %d", i)
		assert.NotEmpty(t, last.Error)
		assert.GreaterOrEqual(t, time.Since(start), cfg.OverallTimeout)
	}
}

func TestFetchAutoconfig_FallsThroughToISPDB(t *testing.T) {
	// Arrange: domain endpoints fail, the Thunderbird ISPDB answers
	client := &fakeHTTPClient{responses: map[string]string{
		"https://autoconfig.thunderbird.net/v1.1/example.com": exampleAutoconfig,
	}}
	prober := &fakeProber{open: map[string]bool{
		"send.example.com:465": true,
	}}
	s := newService(nil, client, prober)

	// Act
	result, err := s.Discover(context.Background(), "user@example.com")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "send.example.com", result.SMTPHost)
	assert.Contains(t, client.requested, "https://autoconfig.example.com/mail/config-v1.1.xml")
	assert.Contains(t, client.requested, "https://example.com/.well-known/autoconfig/mail/config-v1.1.xml")
}

func TestExpandAliases(t *testing.T) {
	// Act / Assert
	assert.ElementsMatch(t, []string{"google.com", "gmail.com"},
		expandAliases([]string{"google.com"}, "corp.example"))
	assert.ElementsMatch(t, []string{"outlook.com", "office365.com"},
		expandAliases([]string{"outlook.com"}, "corp.example"))
	// the user's own domain was already tried directly
	assert.Empty(t, expandAliases([]string{"example.com"}, "example.com"))
	assert.Empty(t, expandAliases(nil, "example.com"))
}
