package console

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/gorcon/rcon"
)

const defaultDialTimeout = 5 * time.Second

// RCONDialer connects to Source-style RCON servers over TCP or TLS.
type RCONDialer struct {
	Timeout time.Duration
}

// Dial opens the transport and authenticates. Responses are awaited without
// a deadline.
func (d *RCONDialer) Dial(ctx context.Context, endpoint Endpoint, password string) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	netDialer := &net.Dialer{Timeout: timeout}

	var (
		raw net.Conn
		err error
	)
	if endpoint.UseTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: netDialer,
			Config: &tls.Config{
				ServerName:         endpoint.Host,
				InsecureSkipVerify: endpoint.InsecureSkipVerify, // #nosec G402 -- opt-in for self-signed consoles
				MinVersion:         tls.VersionTLS12,
			},
		}
		raw, err = tlsDialer.DialContext(ctx, "tcp", endpoint.Address())
	} else {
		raw, err = netDialer.DialContext(ctx, "tcp", endpoint.Address())
	}
	if err != nil {
		return nil, err
	}

	conn, err := rcon.Open(raw, password, rcon.SetDialTimeout(timeout), rcon.SetDeadline(0))
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}
