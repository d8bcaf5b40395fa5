package policy

import (
	"fmt"
	"net/netip"
	"strings"
)

// TransportProtocol is the layer 4 protocol of an endpoint.
type TransportProtocol string

const (
	UDP TransportProtocol = "udp"
	TCP TransportProtocol = "tcp"
)

// ParseTransportProtocol accepts "udp" or "tcp" in any case.
func ParseTransportProtocol(s string) (TransportProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	default:
		return "", fmt.Errorf("unknown transport protocol %q", s)
	}
}

// Endpoint is a remote address, port and protocol.
type Endpoint struct {
	Address  netip.AddrPort    `json:"address"`
	Protocol TransportProtocol `json:"protocol"`
}

func NewEndpoint(addr netip.AddrPort, proto TransportProtocol) Endpoint {
	return Endpoint{Address: addr, Protocol: proto}
}

// ParseEndpoint parses "addr:port" with an optional "/proto" suffix, defaulting to UDP.
func ParseEndpoint(s string) (Endpoint, error) {
	proto := UDP
	if i := strings.LastIndex(s, "/"); i >= 0 {
		p, err := ParseTransportProtocol(s[i+1:])
		if err != nil {
			return Endpoint{}, err
		}
		proto = p
		s = s[:i]
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint address: %w", err)
	}
	return Endpoint{Address: ap, Protocol: proto}, nil
}

func (e Endpoint) IsValid() bool {
	return e.Address.IsValid()
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Address, e.Protocol)
}

// AllowedClients selects which local processes may use an endpoint outside
// the tunnel.
type AllowedClients int

const (
	// AllowedClientsRoot only lets processes owned by root through.
	AllowedClientsRoot AllowedClients = iota
	// AllowedClientsAll lets every local process through.
	AllowedClientsAll
)

func (c AllowedClients) String() string {
	switch c {
	case AllowedClientsRoot:
		return "root"
	case AllowedClientsAll:
		return "all"
	default:
		return fmt.Sprintf("AllowedClients(%d)", int(c))
	}
}

// ParseAllowedClients is the inverse of String.
func ParseAllowedClients(s string) (AllowedClients, error) {
	switch strings.ToLower(s) {
	case "", "root":
		return AllowedClientsRoot, nil
	case "all":
		return AllowedClientsAll, nil
	default:
		return 0, fmt.Errorf("unknown allowed clients %q", s)
	}
}

// AllowedEndpoint is a single endpoint that may be reached outside the tunnel.
type AllowedEndpoint struct {
	Endpoint Endpoint       `json:"endpoint"`
	Clients  AllowedClients `json:"clients"`
}

func (a AllowedEndpoint) String() string {
	if a.Clients == AllowedClientsAll {
		return fmt.Sprintf("%s for all clients", a.Endpoint)
	}
	return fmt.Sprintf("%s for root", a.Endpoint)
}

// AllowedTunnelTraffic says how much traffic may enter the tunnel interface
// before the tunnel is fully up.
type AllowedTunnelTraffic struct {
	all       bool
	endpoints []Endpoint
}

// AllowNoTunnelTraffic blocks everything on the tunnel interface.
func AllowNoTunnelTraffic() AllowedTunnelTraffic {
	return AllowedTunnelTraffic{}
}

// AllowTunnelEndpoints permits only the given in-tunnel endpoints.
func AllowTunnelEndpoints(endpoints ...Endpoint) AllowedTunnelTraffic {
	if len(endpoints) == 0 {
		return AllowedTunnelTraffic{}
	}
	return AllowedTunnelTraffic{endpoints: append([]Endpoint(nil), endpoints...)}
}

// AllowAllTunnelTraffic permits everything on the tunnel interface.
func AllowAllTunnelTraffic() AllowedTunnelTraffic {
	return AllowedTunnelTraffic{all: true}
}

func (t AllowedTunnelTraffic) IsNone() bool { return !t.all && len(t.endpoints) == 0 }
func (t AllowedTunnelTraffic) IsAll() bool  { return t.all }

// Endpoints returns the permitted endpoints when the traffic is a bounded set.
func (t AllowedTunnelTraffic) Endpoints() []Endpoint {
	return append([]Endpoint(nil), t.endpoints...)
}

// Covers reports whether every packet allowed by other is allowed by t.
func (t AllowedTunnelTraffic) Covers(other AllowedTunnelTraffic) bool {
	if t.all || other.IsNone() {
		return true
	}
	if other.all {
		return false
	}
	for _, o := range other.endpoints {
		found := false
		for _, e := range t.endpoints {
			if e == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (t AllowedTunnelTraffic) Equal(other AllowedTunnelTraffic) bool {
	return t.Covers(other) && other.Covers(t)
}

func (t AllowedTunnelTraffic) String() string {
	switch {
	case t.all:
		return "All"
	case len(t.endpoints) == 0:
		return "None"
	default:
		parts := make([]string, len(t.endpoints))
		for i, e := range t.endpoints {
			parts[i] = e.String()
		}
		return "Only(" + strings.Join(parts, ", ") + ")"
	}
}

func (t AllowedTunnelTraffic) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// TunnelMetadata describes an established tunnel interface.
type TunnelMetadata struct {
	Interface   string       `json:"interface"`
	IPs         []netip.Addr `json:"ips"`
	IPv4Gateway netip.Addr   `json:"ipv4_gateway"`
	IPv6Gateway netip.Addr   `json:"ipv6_gateway,omitzero"`
}

// Gateways returns the valid gateway addresses, IPv4 first.
func (m TunnelMetadata) Gateways() []netip.Addr {
	var gws []netip.Addr
	if m.IPv4Gateway.IsValid() {
		gws = append(gws, m.IPv4Gateway)
	}
	if m.IPv6Gateway.IsValid() {
		gws = append(gws, m.IPv6Gateway)
	}
	return gws
}

func (m TunnelMetadata) String() string {
	ips := make([]string, len(m.IPs))
	for i, ip := range m.IPs {
		ips[i] = ip.String()
	}
	return fmt.Sprintf("interface: %s, ips: [%s], v4 gw: %s, v6 gw: %s",
		m.Interface, strings.Join(ips, ", "), m.IPv4Gateway, m.IPv6Gateway)
}
