package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/opentracing/opentracing-go"

	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/tracing"
)

// Resolver is the DNS surface the engine needs. Satisfied by
// net.DefaultResolver, replaced in tests.
type Resolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// HTTPDoer fetches autoconfig documents.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PortProber reports whether a TCP connection to host:port succeeds.
type PortProber interface {
	Probe(ctx context.Context, host string, port int) bool
}

type discoveryService struct {
	cfg        *config.DiscoveryConfig
	log        logger.Logger
	resolver   Resolver
	httpClient HTTPDoer
	prober     PortProber
}

// NewDiscoveryService builds the engine with production collaborators.
// Nil resolver, client or prober fall back to real network implementations.
func NewDiscoveryService(cfg *config.DiscoveryConfig, log logger.Logger, resolver Resolver, httpClient HTTPDoer, prober PortProber) interfaces.DiscoveryService {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.AutoconfigTimeout}
	}
	if prober == nil {
		prober = &tcpProber{timeout: cfg.ProbeTimeout}
	}
	return &discoveryService{
		cfg:        cfg,
		log:        log,
		resolver:   resolver,
		httpClient: httpClient,
		prober:     prober,
	}
}

func (s *discoveryService) Discover(ctx context.Context, email string) (*interfaces.DiscoveryResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "DiscoveryService.Discover")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	domain, err := domainOf(email)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	span.LogKV("domain", domain)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OverallTimeout)
	defer cancel()

	result := s.run(ctx, domain, func(interfaces.DiscoveryEvent) {})
	if result.Empty() {
		tracing.TraceErr(span, er.ErrDiscoveryNotFound)
		return nil, er.ErrDiscoveryNotFound
	}
	return result, nil
}

func (s *discoveryService) DiscoverStream(ctx context.Context, email string) <-chan interfaces.DiscoveryEvent {
	events := make(chan interfaces.DiscoveryEvent, 8)

	go func() {
		defer close(events)

		span, ctx := opentracing.StartSpanFromContext(ctx, "DiscoveryService.DiscoverStream")
		defer span.Finish()
		tracing.SetDefaultServiceSpanTags(ctx, span)

		// emit gives up only when the consumer is gone; the discovery
		// deadline lives in runCtx so hitting it cannot swallow the
		// terminal complete event.
		emit := func(event interfaces.DiscoveryEvent) {
			select {
			case events <- event:
			case <-ctx.Done():
			}
		}

		domain, err := domainOf(email)
		if err != nil {
			tracing.TraceErr(span, err)
			emit(interfaces.DiscoveryEvent{Type: interfaces.DiscoveryEventComplete, Error: err.Error()})
			return
		}
		span.LogKV("domain", domain)

		runCtx, cancel := context.WithTimeout(ctx, s.cfg.OverallTimeout)
		defer cancel()

		result := s.run(runCtx, domain, emit)
		if result.Empty() {
			tracing.TraceErr(span, er.ErrDiscoveryNotFound)
			emit(interfaces.DiscoveryEvent{Type: interfaces.DiscoveryEventComplete, Error: er.ErrDiscoveryNotFound.Error()})
			return
		}
		emit(interfaces.DiscoveryEvent{Type: interfaces.DiscoveryEventComplete, Result: result})
	}()

	return events
}

// run walks the discovery phases in order and merges the probed
// candidates into a final result. Phase events are pushed through emit.
func (s *discoveryService) run(ctx context.Context, domain string, emit func(interfaces.DiscoveryEvent)) *interfaces.DiscoveryResult {
	var smtpCandidates, imapCandidates []interfaces.DiscoveryCandidate

	// phase: DNS, SRV and MX in parallel
	emit(phaseEvent(enum.DiscoveryPhaseDNS, "Querying DNS records..."))
	var (
		wg       sync.WaitGroup
		srvSMTP  []interfaces.DiscoveryCandidate
		srvIMAP  []interfaces.DiscoveryCandidate
		mxResult mxLookupResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		srvSMTP, srvIMAP = s.lookupSRVCandidates(ctx, domain)
	}()
	go func() {
		defer wg.Done()
		mxResult = s.lookupMXCandidates(ctx, domain)
	}()
	wg.Wait()
	smtpCandidates = append(smtpCandidates, srvSMTP...)
	smtpCandidates = append(smtpCandidates, mxResult.smtp...)
	imapCandidates = append(imapCandidates, srvIMAP...)
	imapCandidates = append(imapCandidates, mxResult.imap...)

	// phase: autoconfig for the user's own domain
	emit(phaseEvent(enum.DiscoveryPhaseAutoconfig, "Checking autoconfig..."))
	acSMTP, acIMAP := s.fetchAutoconfig(ctx, domain)
	smtpCandidates = append(smtpCandidates, acSMTP...)
	imapCandidates = append(imapCandidates, acIMAP...)

	// phase: provider aliases learned from MX
	aliasDomains := expandAliases(mxResult.bases, domain)
	if len(aliasDomains) > 0 {
		emit(phaseEvent(enum.DiscoveryPhaseAliases, fmt.Sprintf("Trying provider aliases: %s", strings.Join(aliasDomains, ", "))))

		var aliasMu sync.Mutex
		wg.Add(len(aliasDomains))
		for _, alias := range aliasDomains {
			go func(alias string) {
				defer wg.Done()
				aSMTP, aIMAP := s.fetchAutoconfig(ctx, alias)
				aliasMu.Lock()
				smtpCandidates = append(smtpCandidates, aSMTP...)
				imapCandidates = append(imapCandidates, aIMAP...)
				aliasMu.Unlock()
			}(alias)
		}
		wg.Wait()

		for _, alias := range aliasDomains {
			for _, port := range []int{465, 587} {
				smtpCandidates = append(smtpCandidates, candidate(enum.DiscoveryProtocolSMTP, "smtp."+alias, port, enum.DiscoverySourceMXAlias))
			}
			imapCandidates = append(imapCandidates, candidate(enum.DiscoveryProtocolIMAP, "imap."+alias, 993, enum.DiscoverySourceMXAlias))
		}
	}

	// fallback: common hostname patterns for the user's domain
	smtpCandidates = append(smtpCandidates, patternCandidates(enum.DiscoveryProtocolSMTP, domain)...)
	imapCandidates = append(imapCandidates, patternCandidates(enum.DiscoveryProtocolIMAP, domain)...)

	// phase: probe everything in parallel, pick the best per protocol
	emit(interfaces.DiscoveryEvent{
		Type:       interfaces.DiscoveryEventPhase,
		Name:       enum.DiscoveryPhaseProbing.String(),
		Message:    "Probing mail servers...",
		Candidates: append(append([]interfaces.DiscoveryCandidate{}, smtpCandidates...), imapCandidates...),
	})

	var smtpBest, imapBest *interfaces.DiscoveryCandidate
	wg.Add(2)
	go func() {
		defer wg.Done()
		smtpBest = s.probeBest(ctx, smtpCandidates)
	}()
	go func() {
		defer wg.Done()
		imapBest = s.probeBest(ctx, imapCandidates)
	}()
	wg.Wait()

	result := &interfaces.DiscoveryResult{Domain: domain}
	if smtpBest != nil {
		result.SMTPHost = smtpBest.Host
		result.SMTPPort = smtpBest.Port
		result.SMTPSource = smtpBest.Source
		result.SMTPVerified = smtpBest.Verified
	}
	if imapBest != nil {
		result.IMAPHost = imapBest.Host
		result.IMAPPort = imapBest.Port
		result.IMAPSource = imapBest.Source
		result.IMAPVerified = imapBest.Verified
	}
	return result
}

// probeBest deduplicates candidates by host:port, probes them in parallel
// and returns the highest-priority one that accepted a connection. When no
// probe succeeds, the best candidate learned from DNS or autoconfig is still
// returned with Verified false; pure pattern guesses are dropped.
func (s *discoveryService) probeBest(ctx context.Context, candidates []interfaces.DiscoveryCandidate) *interfaces.DiscoveryCandidate {
	if len(candidates) == 0 {
		return nil
	}

	type key struct {
		host string
		port int
	}
	seen := make(map[key]interfaces.DiscoveryCandidate)
	for _, c := range candidates {
		k := key{c.Host, c.Port}
		if existing, ok := seen[k]; !ok || c.Priority < existing.Priority {
			seen[k] = c
		}
	}

	unique := make([]interfaces.DiscoveryCandidate, 0, len(seen))
	for _, c := range seen {
		unique = append(unique, c)
	}

	verified := make([]bool, len(unique))
	var wg sync.WaitGroup
	wg.Add(len(unique))
	for i := range unique {
		go func(i int) {
			defer wg.Done()
			verified[i] = s.prober.Probe(ctx, unique[i].Host, unique[i].Port)
		}(i)
	}
	wg.Wait()

	for i := range unique {
		unique[i].Verified = verified[i]
	}
	reachable := unique[:0]
	for _, c := range unique {
		if c.Verified {
			reachable = append(reachable, c)
		}
	}
	if len(reachable) == 0 {
		// Nothing answered. A pattern guess with a closed port carries no
		// signal, but a candidate an actual prober found is still the best
		// lead we have: hand it back unverified instead of withholding it.
		var fallback []interfaces.DiscoveryCandidate
		for _, c := range unique {
			if c.Source != enum.DiscoverySourcePattern {
				fallback = append(fallback, c)
			}
		}
		if len(fallback) == 0 {
			return nil
		}
		sort.SliceStable(fallback, func(i, j int) bool {
			return fallback[i].Priority < fallback[j].Priority
		})
		best := fallback[0]
		return &best
	}

	sort.SliceStable(reachable, func(i, j int) bool {
		return reachable[i].Priority < reachable[j].Priority
	})
	best := reachable[0]
	return &best
}

func phaseEvent(phase enum.DiscoveryPhase, message string) interfaces.DiscoveryEvent {
	return interfaces.DiscoveryEvent{
		Type:    interfaces.DiscoveryEventPhase,
		Name:    phase.String(),
		Message: message,
	}
}

func candidate(protocol enum.DiscoveryProtocol, host string, port int, source enum.DiscoverySource) interfaces.DiscoveryCandidate {
	return interfaces.DiscoveryCandidate{
		Protocol: protocol,
		Host:     host,
		Port:     port,
		Source:   source,
		Priority: source.Priority(),
	}
}

func patternCandidates(protocol enum.DiscoveryProtocol, domain string) []interfaces.DiscoveryCandidate {
	var out []interfaces.DiscoveryCandidate
	if protocol == enum.DiscoveryProtocolSMTP {
		for _, host := range []string{"smtp." + domain, "mail." + domain} {
			for _, port := range []int{465, 587} {
				out = append(out, candidate(protocol, host, port, enum.DiscoverySourcePattern))
			}
		}
		return out
	}
	for _, host := range []string{"imap." + domain, "mail." + domain} {
		out = append(out, candidate(protocol, host, 993, enum.DiscoverySourcePattern))
	}
	return out
}

func domainOf(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", er.ErrInvalidEmail
	}
	return strings.ToLower(email[at+1:]), nil
}
