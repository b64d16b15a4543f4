package iterator

import (
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// defaultRootHints are the IPv4 addresses of the root name servers, used to
// bootstrap resolution when no root NS set is cached.
// Source: https://www.internic.net/domain/named.root
//
//nolint:gochecknoglobals
var defaultRootHints = map[string]string{
	"a.root-servers.net.": "198.41.0.4",
	"b.root-servers.net.": "170.247.170.2",
	"c.root-servers.net.": "192.33.4.12",
	"d.root-servers.net.": "199.7.91.13",
	"e.root-servers.net.": "192.203.230.10",
	"f.root-servers.net.": "192.5.5.241",
	"g.root-servers.net.": "192.112.36.4",
	"h.root-servers.net.": "198.97.190.53",
	"i.root-servers.net.": "192.36.148.17",
	"j.root-servers.net.": "192.58.128.30",
	"k.root-servers.net.": "193.0.14.129",
	"l.root-servers.net.": "199.7.83.42",
	"m.root-servers.net.": "202.12.27.33",
}

// RootHints supplies the initial root server set
type RootHints struct {
	servers map[string]string
}

// NewRootHints builds the hint set from `name=address` pairs, falling back
// to the built-in root servers when hints is empty
func NewRootHints(hints []string) (*RootHints, error) {
	if len(hints) == 0 {
		return &RootHints{servers: defaultRootHints}, nil
	}

	servers := make(map[string]string, len(hints))

	for _, hint := range hints {
		name, addr, found := strings.Cut(hint, "=")
		if !found {
			return nil, fmt.Errorf("invalid root hint '%s', expected name=address", hint)
		}

		if net.ParseIP(addr) == nil {
			return nil, fmt.Errorf("invalid root hint address '%s'", addr)
		}

		servers[dns.Fqdn(strings.ToLower(name))] = addr
	}

	return &RootHints{servers: servers}, nil
}

// DelegationPoint returns a fresh root zone cut built from the hints
func (h *RootHints) DelegationPoint() *DelegationPoint {
	servers := make([]*NameServer, 0, len(h.servers))

	for name, addr := range h.servers {
		servers = append(servers, &NameServer{
			Name:  name,
			Addrs: []string{net.JoinHostPort(addr, "53")},
		})
	}

	return NewDelegationPoint(".", servers)
}
