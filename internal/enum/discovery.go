package enum

type DiscoverySource string

const (
	DiscoverySourceSRV        DiscoverySource = "srv"
	DiscoverySourceAutoconfig DiscoverySource = "autoconfig"
	DiscoverySourceMXAlias    DiscoverySource = "mx-alias"
	DiscoverySourcePattern    DiscoverySource = "pattern"
)

func (t DiscoverySource) String() string {
	return string(t)
}

// Priority ranks sources for the merge step, lower wins
func (t DiscoverySource) Priority() int {
	switch t {
	case DiscoverySourceSRV:
		return 0
	case DiscoverySourceAutoconfig:
		return 1
	case DiscoverySourceMXAlias:
		return 2
	default:
		return 3
	}
}

type DiscoveryProtocol string

const (
	DiscoveryProtocolSMTP DiscoveryProtocol = "smtp"
	DiscoveryProtocolIMAP DiscoveryProtocol = "imap"
)

func (t DiscoveryProtocol) String() string {
	return string(t)
}

type DiscoveryPhase string

const (
	DiscoveryPhaseDNS        DiscoveryPhase = "dns"
	DiscoveryPhaseAutoconfig DiscoveryPhase = "autoconfig"
	DiscoveryPhaseAliases    DiscoveryPhase = "aliases"
	DiscoveryPhaseProbing    DiscoveryPhase = "probing"
)

func (t DiscoveryPhase) String() string {
	return string(t)
}
