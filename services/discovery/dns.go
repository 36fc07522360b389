package discovery

import (
	"context"
	"strings"

	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/enum"
)

// Providers whose MX base domain differs from the domain that hosts the
// submission and IMAP endpoints.
var mxAliases = map[string][]string{
	"google.com":             {"gmail.com"},
	"outlook.com":            {"office365.com"},
	"protection.outlook.com": {"office365.com"},
	"microsoft.com":          {"office365.com"},
}

// lookupSRVCandidates resolves RFC 6186 service records. Submission over
// implicit TLS is tried first, then STARTTLS submission, then IMAPS.
func (s *discoveryService) lookupSRVCandidates(ctx context.Context, domain string) (smtp, imap []interfaces.DiscoveryCandidate) {
	for _, service := range []string{"submissions", "submission"} {
		_, records, err := s.resolver.LookupSRV(ctx, service, "tcp", domain)
		if err != nil {
			continue
		}
		for _, record := range records {
			host := strings.TrimSuffix(record.Target, ".")
			if host == "" || host == "." {
				continue
			}
			smtp = append(smtp, candidate(enum.DiscoveryProtocolSMTP, host, int(record.Port), enum.DiscoverySourceSRV))
		}
	}

	_, records, err := s.resolver.LookupSRV(ctx, "imaps", "tcp", domain)
	if err == nil {
		for _, record := range records {
			host := strings.TrimSuffix(record.Target, ".")
			if host == "" || host == "." {
				continue
			}
			imap = append(imap, candidate(enum.DiscoveryProtocolIMAP, host, int(record.Port), enum.DiscoverySourceSRV))
		}
	}
	return smtp, imap
}

type mxLookupResult struct {
	smtp  []interfaces.DiscoveryCandidate
	imap  []interfaces.DiscoveryCandidate
	bases []string
}

// lookupMXCandidates reduces each MX exchange to its base domain and
// generates smtp./mail./imap. candidates for it.
func (s *discoveryService) lookupMXCandidates(ctx context.Context, domain string) mxLookupResult {
	var result mxLookupResult

	records, err := s.resolver.LookupMX(ctx, domain)
	if err != nil {
		return result
	}

	for _, record := range records {
		host := strings.ToLower(strings.TrimSuffix(record.Host, "."))
		parts := strings.Split(host, ".")
		if len(parts) < 2 {
			continue
		}
		base := strings.Join(parts[len(parts)-2:], ".")
		result.bases = append(result.bases, base)

		for _, prefix := range []string{"smtp.", "mail."} {
			for _, port := range []int{465, 587} {
				result.smtp = append(result.smtp, candidate(enum.DiscoveryProtocolSMTP, prefix+base, port, enum.DiscoverySourceMXAlias))
			}
		}
		for _, prefix := range []string{"imap.", "mail."} {
			result.imap = append(result.imap, candidate(enum.DiscoveryProtocolIMAP, prefix+base, 993, enum.DiscoverySourceMXAlias))
		}
	}
	return result
}

// expandAliases maps MX base domains through the provider alias table and
// drops the user's own domain, which was already tried directly.
func expandAliases(bases []string, ownDomain string) []string {
	set := make(map[string]struct{})
	for _, base := range bases {
		set[base] = struct{}{}
		for _, alias := range mxAliases[base] {
			set[alias] = struct{}{}
		}
	}
	delete(set, ownDomain)

	out := make([]string, 0, len(set))
	for alias := range set {
		out = append(out, alias)
	}
	return out
}
