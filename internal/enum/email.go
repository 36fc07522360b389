package enum

type EmailSecurity string

const (
	EmailSecurityNone     EmailSecurity = "none"
	EmailSecuritySSL      EmailSecurity = "ssl"
	EmailSecurityStartTLS EmailSecurity = "startTLS"
)

func (t EmailSecurity) String() string {
	return string(t)
}

type EmailDirection string

const (
	EmailInbound  EmailDirection = "inbound"
	EmailOutbound EmailDirection = "outbound"
)

func (t EmailDirection) String() string {
	return string(t)
}

type ConnectionState string

const (
	ConnectionStateIdle   ConnectionState = "idle"
	ConnectionStateLeased ConnectionState = "leased"
	ConnectionStateClosed ConnectionState = "closed"
)

func (t ConnectionState) String() string {
	return string(t)
}
