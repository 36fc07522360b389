package discovery

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mailbridge/mailbridge/interfaces"
	"github.com/mailbridge/mailbridge/internal/enum"
)

// Thunderbird autoconfig document, config-v1.1 schema. Only the fields
// the engine consumes are mapped.
type clientConfig struct {
	XMLName       xml.Name        `xml:"clientConfig"`
	EmailProvider []emailProvider `xml:"emailProvider"`
}

type emailProvider struct {
	IncomingServers []configServer `xml:"incomingServer"`
	OutgoingServers []configServer `xml:"outgoingServer"`
}

type configServer struct {
	Type       string `xml:"type,attr"`
	Hostname   string `xml:"hostname"`
	Port       string `xml:"port"`
	SocketType string `xml:"socketType"`
}

// fetchAutoconfig tries the domain's own autoconfig endpoints, then the
// Thunderbird ISPDB. The first document that yields servers wins.
func (s *discoveryService) fetchAutoconfig(ctx context.Context, domain string) (smtp, imap []interfaces.DiscoveryCandidate) {
	urls := []string{
		fmt.Sprintf("https://autoconfig.%s/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://%s/.well-known/autoconfig/mail/config-v1.1.xml", domain),
		fmt.Sprintf("https://autoconfig.thunderbird.net/v1.1/%s", domain),
	}

	for _, url := range urls {
		body, err := s.fetch(ctx, url)
		if err != nil {
			continue
		}
		smtp, imap = parseAutoconfig(body)
		if len(smtp) > 0 || len(imap) > 0 {
			return smtp, imap
		}
	}
	return nil, nil
}

func (s *discoveryService) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AutoconfigTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("autoconfig fetch returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func parseAutoconfig(body []byte) (smtp, imap []interfaces.DiscoveryCandidate) {
	var doc clientConfig
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, nil
	}

	for _, provider := range doc.EmailProvider {
		for _, server := range provider.OutgoingServers {
			host, port, ok := serverEndpoint(server)
			if !ok {
				continue
			}
			smtp = append(smtp, candidate(enum.DiscoveryProtocolSMTP, host, port, enum.DiscoverySourceAutoconfig))
		}
		for _, server := range provider.IncomingServers {
			if server.Type != "imap" {
				continue
			}
			host, port, ok := serverEndpoint(server)
			if !ok {
				continue
			}
			imap = append(imap, candidate(enum.DiscoveryProtocolIMAP, host, port, enum.DiscoverySourceAutoconfig))
		}
	}
	return smtp, imap
}

func serverEndpoint(server configServer) (string, int, bool) {
	host := strings.TrimSpace(server.Hostname)
	port, err := strconv.Atoi(strings.TrimSpace(server.Port))
	if host == "" || err != nil || port <= 0 {
		return "", 0, false
	}
	return host, port, true
}
