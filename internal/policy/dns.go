package policy

import (
	"net/netip"
	"slices"
	"strings"
)

// DnsConfig is the user's resolver preference. An empty Custom list means the
// tunnel gateways are used.
type DnsConfig struct {
	Custom []netip.Addr `json:"custom,omitempty"`
}

func (c DnsConfig) IsDefault() bool { return len(c.Custom) == 0 }

func (c DnsConfig) Equal(other DnsConfig) bool {
	return slices.Equal(c.Custom, other.Custom)
}

// ResolvedDnsConfig is the set of resolvers in effect for a connected tunnel,
// split by whether they are reached through the tunnel.
type ResolvedDnsConfig struct {
	Tunnel    []netip.Addr `json:"tunnel"`
	NonTunnel []netip.Addr `json:"non_tunnel,omitempty"`
}

// Resolve turns the preference into concrete resolvers for a tunnel. Local
// custom resolvers (LAN, loopback) are kept out of the tunnel and only when
// allowLan permits reaching them. Gateways are used when nothing else is left.
func (c DnsConfig) Resolve(metadata TunnelMetadata, allowLan bool) ResolvedDnsConfig {
	var resolved ResolvedDnsConfig
	for _, addr := range c.Custom {
		switch {
		case addr.IsLoopback():
			resolved.NonTunnel = append(resolved.NonTunnel, addr)
		case IsLocalAddress(addr):
			if allowLan {
				resolved.NonTunnel = append(resolved.NonTunnel, addr)
			}
		default:
			resolved.Tunnel = append(resolved.Tunnel, addr)
		}
	}
	if len(resolved.Tunnel) == 0 && len(resolved.NonTunnel) == 0 {
		resolved.Tunnel = metadata.Gateways()
	}
	return resolved
}

// All returns every resolver, tunnel ones first.
func (r ResolvedDnsConfig) All() []netip.Addr {
	return append(append([]netip.Addr(nil), r.Tunnel...), r.NonTunnel...)
}

func (r ResolvedDnsConfig) String() string {
	join := func(addrs []netip.Addr) string {
		parts := make([]string, len(addrs))
		for i, a := range addrs {
			parts[i] = a.String()
		}
		return strings.Join(parts, " ")
	}
	s := "tunnel: [" + join(r.Tunnel) + "]"
	if len(r.NonTunnel) > 0 {
		s += ", non-tunnel: [" + join(r.NonTunnel) + "]"
	}
	return s
}
