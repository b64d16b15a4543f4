// Package transport performs outbound exchanges with authoritative servers.
// The actual socket I/O sits behind the Transport interface; Policy adds the
// engine's rules on top: per-zone concurrency limits, retries and deadlines.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/KumoCorp/recursor/config"

	"github.com/miekg/dns"
)

// Protocol selects how a query is sent
type Protocol uint8

const (
	// ProtocolUDP sends over UDP and falls back to TCP on truncation
	ProtocolUDP Protocol = iota
	// ProtocolTCP sends over TCP directly
	ProtocolTCP
	// ProtocolTLS sends over TLS for queries explicitly requiring it
	ProtocolTLS
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolTLS:
		return "tcp-tls"
	default:
		return "udp"
	}
}

// ErrTimeout means no reply arrived within the deadline. The iterator marks
// the server failed and moves on.
var ErrTimeout = errors.New("no reply within deadline")

// Transport sends one query to one server and returns the reply
type Transport interface {
	Exchange(ctx context.Context, msg *dns.Msg, server string, proto Protocol) (*dns.Msg, time.Duration, error)
}

// ClientTransport is the default Transport on top of miekg/dns clients
type ClientTransport struct {
	udpClient *dns.Client
	tcpClient *dns.Client
	tlsClient *dns.Client
}

// NewClientTransport creates clients for all supported protocols. If a local
// address is configured all outbound queries are pinned to it, the kernel
// picks a fresh source port per exchange.
func NewClientTransport(cfg config.TransportConfig) *ClientTransport {
	timeout := cfg.Timeout.ToDuration()

	newClient := func(netName string) *dns.Client {
		c := &dns.Client{
			Net:     netName,
			Timeout: timeout,
			UDPSize: cfg.UDPBufferSize,
		}

		if cfg.LocalAddress != "" {
			ip := net.ParseIP(cfg.LocalAddress)
			dialer := &net.Dialer{Timeout: timeout}

			if netName == "udp" {
				dialer.LocalAddr = &net.UDPAddr{IP: ip}
			} else {
				dialer.LocalAddr = &net.TCPAddr{IP: ip}
			}

			c.Dialer = dialer
		}

		return c
	}

	return &ClientTransport{
		udpClient: newClient("udp"),
		tcpClient: newClient("tcp"),
		tlsClient: newClient("tcp-tls"),
	}
}

// Exchange sends msg to server. UDP replies with the truncation flag set are
// retried over TCP; a FORMERR reply to an EDNS query is retried once without
// the OPT record for servers that never learned EDNS.
func (t *ClientTransport) Exchange(ctx context.Context, msg *dns.Msg, server string,
	proto Protocol,
) (*dns.Msg, time.Duration, error) {
	client := t.clientFor(proto)

	resp, rtt, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, rtt, fmt.Errorf("%s: %w", server, ErrTimeout)
		}

		return nil, rtt, err
	}

	if resp.Truncated && proto == ProtocolUDP {
		return t.Exchange(ctx, msg, server, ProtocolTCP)
	}

	if resp.Rcode == dns.RcodeFormatError && msg.IsEdns0() != nil {
		plain := msg.Copy()
		plain.Extra = stripOPT(plain.Extra)

		return t.Exchange(ctx, plain, server, proto)
	}

	return resp, rtt, nil
}

func (t *ClientTransport) clientFor(proto Protocol) *dns.Client {
	switch proto {
	case ProtocolTCP:
		return t.tcpClient
	case ProtocolTLS:
		return t.tlsClient
	default:
		return t.udpClient
	}
}

func stripOPT(rrs []dns.RR) []dns.RR {
	var result []dns.RR

	for _, rr := range rrs {
		if rr.Header().Rrtype != dns.TypeOPT {
			result = append(result, rr)
		}
	}

	return result
}
