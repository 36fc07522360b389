package discovery

import (
	"context"
	"net"
	"strconv"
	"time"
)

// tcpProber verifies a candidate by opening and immediately closing a TCP
// connection. No protocol banner is read; reachability is enough.
type tcpProber struct {
	timeout time.Duration
}

func (p *tcpProber) Probe(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
