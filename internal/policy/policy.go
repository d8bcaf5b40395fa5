// Package policy holds the value types describing which traffic is permitted
// at any moment. Nothing in here talks to the operating system.
package policy

import (
	"fmt"
	"reflect"
	"strings"
)

// Kind names a FirewallPolicy variant.
type Kind string

const (
	KindConnecting Kind = "connecting"
	KindConnected  Kind = "connected"
	KindBlocked    Kind = "blocked"
)

// FirewallPolicy is implemented by ConnectingPolicy, ConnectedPolicy and
// BlockedPolicy only.
type FirewallPolicy interface {
	fmt.Stringer
	Kind() Kind
	// PeerEndpoint is the tunnel server endpoint reachable outside the tunnel.
	PeerEndpoint() (AllowedEndpoint, bool)
	// AllowedEndpoint is the extra non-tunnel endpoint, if any.
	AllowedEndpoint() (AllowedEndpoint, bool)
	// Tunnel returns the tunnel interface metadata, if known.
	Tunnel() (TunnelMetadata, bool)
	AllowedTunnelTraffic() AllowedTunnelTraffic
	AllowLan() bool

	isFirewallPolicy()
}

// ConnectingPolicy lets the tunnel be negotiated while blocking everything
// else.
type ConnectingPolicy struct {
	Peer           AllowedEndpoint
	TunnelMetadata *TunnelMetadata
	Lan            bool
	Allowed        *AllowedEndpoint
	TunnelTraffic  AllowedTunnelTraffic
}

// ConnectedPolicy lets all traffic through the tunnel with DNS pinned to the
// resolved servers.
type ConnectedPolicy struct {
	Peer           AllowedEndpoint
	TunnelMetadata TunnelMetadata
	Lan            bool
	Dns            ResolvedDnsConfig
}

// BlockedPolicy blocks everything except LAN (when allowed) and the allowed
// endpoint.
type BlockedPolicy struct {
	Lan     bool
	Allowed *AllowedEndpoint
}

func (ConnectingPolicy) isFirewallPolicy() {}
func (ConnectedPolicy) isFirewallPolicy()  {}
func (BlockedPolicy) isFirewallPolicy()    {}

func (ConnectingPolicy) Kind() Kind { return KindConnecting }
func (ConnectedPolicy) Kind() Kind  { return KindConnected }
func (BlockedPolicy) Kind() Kind    { return KindBlocked }

func (p ConnectingPolicy) PeerEndpoint() (AllowedEndpoint, bool) { return p.Peer, true }
func (p ConnectedPolicy) PeerEndpoint() (AllowedEndpoint, bool)  { return p.Peer, true }
func (BlockedPolicy) PeerEndpoint() (AllowedEndpoint, bool)      { return AllowedEndpoint{}, false }

func (p ConnectingPolicy) AllowedEndpoint() (AllowedEndpoint, bool) {
	if p.Allowed == nil {
		return AllowedEndpoint{}, false
	}
	return *p.Allowed, true
}

func (ConnectedPolicy) AllowedEndpoint() (AllowedEndpoint, bool) { return AllowedEndpoint{}, false }

func (p BlockedPolicy) AllowedEndpoint() (AllowedEndpoint, bool) {
	if p.Allowed == nil {
		return AllowedEndpoint{}, false
	}
	return *p.Allowed, true
}

func (p ConnectingPolicy) Tunnel() (TunnelMetadata, bool) {
	if p.TunnelMetadata == nil {
		return TunnelMetadata{}, false
	}
	return *p.TunnelMetadata, true
}

func (p ConnectedPolicy) Tunnel() (TunnelMetadata, bool) { return p.TunnelMetadata, true }
func (BlockedPolicy) Tunnel() (TunnelMetadata, bool)     { return TunnelMetadata{}, false }

func (p ConnectingPolicy) AllowedTunnelTraffic() AllowedTunnelTraffic { return p.TunnelTraffic }
func (ConnectedPolicy) AllowedTunnelTraffic() AllowedTunnelTraffic    { return AllowAllTunnelTraffic() }
func (BlockedPolicy) AllowedTunnelTraffic() AllowedTunnelTraffic      { return AllowNoTunnelTraffic() }

func (p ConnectingPolicy) AllowLan() bool { return p.Lan }
func (p ConnectedPolicy) AllowLan() bool  { return p.Lan }
func (p BlockedPolicy) AllowLan() bool    { return p.Lan }

func lanWord(allow bool) string {
	if allow {
		return "Allowing"
	}
	return "Blocking"
}

func (p ConnectingPolicy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Connecting to %s", p.Peer)
	if p.TunnelMetadata != nil {
		fmt.Fprintf(&b, " over %q", p.TunnelMetadata.Interface)
	}
	fmt.Fprintf(&b, ", %s LAN, tunnel traffic %s", lanWord(p.Lan), p.TunnelTraffic)
	if p.Allowed != nil {
		fmt.Fprintf(&b, ", allowing endpoint %s", *p.Allowed)
	}
	return b.String()
}

func (p ConnectedPolicy) String() string {
	return fmt.Sprintf("Connected to %s over %q (ip: %v, v4 gw: %s, v6 gw: %s), %s LAN, DNS %s",
		p.Peer, p.TunnelMetadata.Interface, p.TunnelMetadata.IPs,
		p.TunnelMetadata.IPv4Gateway, p.TunnelMetadata.IPv6Gateway, lanWord(p.Lan), p.Dns)
}

func (p BlockedPolicy) String() string {
	s := fmt.Sprintf("Blocked, %s LAN", lanWord(p.Lan))
	if p.Allowed != nil {
		s += fmt.Sprintf(", allowing endpoint %s", *p.Allowed)
	}
	return s
}

// Equal reports whether a and b describe the same policy.
func Equal(a, b FirewallPolicy) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	if a.AllowLan() != b.AllowLan() || !a.AllowedTunnelTraffic().Equal(b.AllowedTunnelTraffic()) {
		return false
	}
	pa, oka := a.PeerEndpoint()
	pb, okb := b.PeerEndpoint()
	if oka != okb || pa != pb {
		return false
	}
	ea, oka := a.AllowedEndpoint()
	eb, okb := b.AllowedEndpoint()
	if oka != okb || ea != eb {
		return false
	}
	ta, oka := a.Tunnel()
	tb, okb := b.Tunnel()
	if oka != okb || !reflect.DeepEqual(ta, tb) {
		return false
	}
	if ca, ok := a.(ConnectedPolicy); ok {
		return reflect.DeepEqual(ca.Dns, b.(ConnectedPolicy).Dns)
	}
	return true
}
