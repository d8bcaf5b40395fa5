// Package tunnel defines the contract between the state machine and a tunnel
// implementation, and provides a WireGuard implementation of it.
package tunnel

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/routing"
)

const (
	DefaultInterfaceName       = "wg-vpnd"
	DefaultMTU                 = 1380
	DefaultPersistentKeepalive = 25 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
)

// Parameters describe one connection attempt.
type Parameters struct {
	Hostname      string
	Peer          policy.Endpoint
	PeerPublicKey wgtypes.Key
	PrivateKey    wgtypes.Key
	Addresses     []netip.Prefix
	IPv4Gateway   netip.Addr
	IPv6Gateway   netip.Addr
	AllowedIPs    []netip.Prefix

	InterfaceName       string
	MTU                 int
	PersistentKeepalive time.Duration
	HandshakeTimeout    time.Duration
	// VerifyDNS makes the tunnel query the gateway resolver before reporting
	// itself up.
	VerifyDNS bool
	// UseProxy means the peer is reached through a local proxy, which runs
	// unprivileged, so every client must be let through to the peer.
	UseProxy bool
}

// Endpoint is the public description of where a tunnel goes.
type Endpoint struct {
	Endpoint   policy.Endpoint `json:"endpoint"`
	Hostname   string          `json:"hostname,omitempty"`
	TunnelType string          `json:"tunnel_type"`
}

func (e Endpoint) String() string {
	if e.Hostname != "" {
		return fmt.Sprintf("%s (%s, %s)", e.Hostname, e.Endpoint, e.TunnelType)
	}
	return fmt.Sprintf("%s (%s)", e.Endpoint, e.TunnelType)
}

func (p Parameters) withDefaults() Parameters {
	if p.InterfaceName == "" {
		p.InterfaceName = DefaultInterfaceName
	}
	if p.MTU == 0 {
		p.MTU = DefaultMTU
	}
	if p.PersistentKeepalive == 0 {
		p.PersistentKeepalive = DefaultPersistentKeepalive
	}
	if p.HandshakeTimeout == 0 {
		p.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if len(p.AllowedIPs) == 0 {
		p.AllowedIPs = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
		if p.IPv6Gateway.IsValid() {
			p.AllowedIPs = append(p.AllowedIPs, netip.MustParsePrefix("::/0"))
		}
	}
	return p
}

// NextHop is the first endpoint packets leave the host for.
func (p Parameters) NextHop() policy.Endpoint { return p.Peer }

func (p Parameters) TunnelEndpoint() Endpoint {
	return Endpoint{Endpoint: p.Peer, Hostname: p.Hostname, TunnelType: "wireguard"}
}

// Metadata describes the tunnel interface these parameters produce.
func (p Parameters) Metadata(iface string) policy.TunnelMetadata {
	ips := make([]netip.Addr, 0, len(p.Addresses))
	for _, a := range p.Addresses {
		ips = append(ips, a.Addr())
	}
	return policy.TunnelMetadata{
		Interface:   iface,
		IPs:         ips,
		IPv4Gateway: p.IPv4Gateway,
		IPv6Gateway: p.IPv6Gateway,
	}
}

// UAPIConfig renders the parameters in the userspace configuration protocol.
// Keys are hex encoded there.
func (p Parameters) UAPIConfig() string {
	p = p.withDefaults()
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(p.PrivateKey[:]))
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(p.PeerPublicKey[:]))
	fmt.Fprintf(&b, "endpoint=%s\n", p.Peer.Address)
	fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", int(p.PersistentKeepalive/time.Second))
	b.WriteString("replace_allowed_ips=true\n")
	for _, ip := range p.AllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", ip)
	}
	return b.String()
}

// EventKind enumerates tunnel lifecycle events.
type EventKind int

const (
	// EventAuthFailed means the server rejected the credentials.
	EventAuthFailed EventKind = iota
	// EventInterfaceUp means the interface exists but the tunnel is not yet
	// verified; only the reported traffic may enter it.
	EventInterfaceUp
	// EventUp means the tunnel is fully usable.
	EventUp
	// EventDown means the tunnel interface went away.
	EventDown
)

func (k EventKind) String() string {
	switch k {
	case EventAuthFailed:
		return "AuthFailed"
	case EventInterfaceUp:
		return "InterfaceUp"
	case EventUp:
		return "Up"
	case EventDown:
		return "Down"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is delivered to the state machine, which acks it once its policy
// consequences are in force.
type Event struct {
	Kind           EventKind
	Metadata       policy.TunnelMetadata
	AllowedTraffic policy.AllowedTunnelTraffic
	Reason         string

	ack func()
}

// Ack releases the tunnel waiting on this event. Extra calls are no-ops.
func (e Event) Ack() {
	if e.ack != nil {
		e.ack()
	}
}

func (e Event) String() string {
	switch e.Kind {
	case EventInterfaceUp:
		return fmt.Sprintf("InterfaceUp(%s, %s)", e.Metadata.Interface, e.AllowedTraffic)
	case EventUp:
		return fmt.Sprintf("Up(%s)", e.Metadata.Interface)
	case EventAuthFailed:
		return fmt.Sprintf("AuthFailed(%s)", e.Reason)
	default:
		return e.Kind.String()
	}
}

// EventHook is how a tunnel reports events. Emit blocks until the event is
// acked so that, for example, traffic is only widened after the firewall
// allows it.
type EventHook struct {
	ctx context.Context
	ch  chan<- Event
}

func NewEventHook(ctx context.Context, ch chan<- Event) EventHook {
	return EventHook{ctx: ctx, ch: ch}
}

// Emit delivers ev and waits for the ack. It returns false when the hook's
// context ended first.
func (h EventHook) Emit(ev Event) bool {
	if h.ch == nil {
		return true
	}
	done := make(chan struct{})
	var once sync.Once
	ev.ack = func() { once.Do(func() { close(done) }) }

	select {
	case h.ch <- ev:
	case <-h.ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Args carries what a tunnel needs from its caller besides parameters.
type Args struct {
	RetryAttempt uint32
	Events       EventHook
	Routes       routing.Manager
}

// Handle controls a started tunnel.
type Handle interface {
	// Wait blocks until the tunnel has shut down and returns why.
	Wait() error
	// Stop asks the tunnel to shut down. Safe to call more than once.
	Stop()
}

// Tunnel is the port the state machine starts attempts through. The context
// bounds the lifetime of the tunnel, not just the start.
type Tunnel interface {
	Start(ctx context.Context, params Parameters, args Args) (Handle, error)
}
