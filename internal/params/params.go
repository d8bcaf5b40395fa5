// Package params picks the relay and builds tunnel parameters for each
// connection attempt.
package params

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dmdmdm-nz/vpnd/internal/netmon"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

const DefaultPort uint16 = 51820

var (
	ErrNoRelays   = errors.New("no relay matches the current connectivity")
	ErrInvalidKey = errors.New("invalid private key")
)

// Relay is a WireGuard server.
type Relay struct {
	Hostname  string
	IPv4      netip.Addr
	IPv6      netip.Addr
	PublicKey wgtypes.Key
	Ports     []uint16
}

// Keys are the client's credentials and tunnel addressing.
type Keys struct {
	PrivateKey  wgtypes.Key
	IPv4Address netip.Prefix
	IPv6Address netip.Prefix
	IPv4Gateway netip.Addr
	IPv6Gateway netip.Addr
}

// Options are passed through to every set of parameters.
type Options struct {
	InterfaceName       string
	MTU                 int
	HandshakeTimeout    time.Duration
	PersistentKeepalive time.Duration
	VerifyDNS           bool
	EnableIPv6          bool
}

// Generator rotates through relays, then ports, as attempts fail.
type Generator struct {
	relays    []Relay
	keys      Keys
	opts      Options
	publicKey wgtypes.Key

	mu   sync.Mutex
	last *tunnel.Parameters
}

func NewGenerator(relays []Relay, keys Keys, opts Options) (*Generator, error) {
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}
	pub, err := PublicKey(keys.PrivateKey)
	if err != nil {
		return nil, err
	}
	if !keys.IPv4Address.IsValid() || !keys.IPv4Gateway.IsValid() {
		return nil, errors.New("tunnel IPv4 address and gateway are required")
	}
	log.WithFields(log.Fields{
		"public_key": pub.String(),
		"relays":     len(relays),
	}).Info("Tunnel parameter generator ready")
	return &Generator{relays: relays, keys: keys, opts: opts, publicKey: pub}, nil
}

// PublicKey derives the public key of a WireGuard private key.
func PublicKey(priv wgtypes.Key) (wgtypes.Key, error) {
	var zero wgtypes.Key
	if subtle.ConstantTimeCompare(priv[:], zero[:]) == 1 {
		return zero, ErrInvalidKey
	}
	out, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	var pub wgtypes.Key
	copy(pub[:], out)
	return pub, nil
}

func (g *Generator) PublicKey() wgtypes.Key { return g.publicKey }

type candidate struct {
	relay Relay
	addr  netip.Addr
}

func (g *Generator) candidates(availability netmon.IpAvailability) []candidate {
	var out []candidate
	for _, r := range g.relays {
		switch {
		case r.IPv4.IsValid() && availability.HasIPv4():
			out = append(out, candidate{relay: r, addr: r.IPv4})
		case r.IPv6.IsValid() && availability.HasIPv6():
			out = append(out, candidate{relay: r, addr: r.IPv6})
		}
	}
	return out
}

// Generate builds the parameters for the given attempt. Attempts walk every
// usable relay on its first port before moving to the next port.
func (g *Generator) Generate(ctx context.Context, retryAttempt uint32, availability netmon.IpAvailability) (tunnel.Parameters, error) {
	if err := ctx.Err(); err != nil {
		return tunnel.Parameters{}, err
	}
	cands := g.candidates(availability)
	if len(cands) == 0 {
		return tunnel.Parameters{}, fmt.Errorf("%w (%s)", ErrNoRelays, availability)
	}

	n := uint32(len(cands))
	c := cands[retryAttempt%n]
	ports := c.relay.Ports
	if len(ports) == 0 {
		ports = []uint16{DefaultPort}
	}
	port := ports[(retryAttempt/n)%uint32(len(ports))]

	p := tunnel.Parameters{
		Hostname:            c.relay.Hostname,
		Peer:                policy.NewEndpoint(netip.AddrPortFrom(c.addr, port), policy.UDP),
		PeerPublicKey:       c.relay.PublicKey,
		PrivateKey:          g.keys.PrivateKey,
		Addresses:           []netip.Prefix{g.keys.IPv4Address},
		IPv4Gateway:         g.keys.IPv4Gateway,
		InterfaceName:       g.opts.InterfaceName,
		MTU:                 g.opts.MTU,
		HandshakeTimeout:    g.opts.HandshakeTimeout,
		PersistentKeepalive: g.opts.PersistentKeepalive,
		VerifyDNS:           g.opts.VerifyDNS,
	}
	if g.opts.EnableIPv6 && g.keys.IPv6Address.IsValid() && g.keys.IPv6Gateway.IsValid() {
		p.Addresses = append(p.Addresses, g.keys.IPv6Address)
		p.IPv6Gateway = g.keys.IPv6Gateway
	}

	log.WithFields(log.Fields{
		"attempt": retryAttempt,
		"relay":   c.relay.Hostname,
		"peer":    p.Peer.String(),
	}).Debug("Generated tunnel parameters")

	g.mu.Lock()
	g.last = &p
	g.mu.Unlock()
	return p, nil
}

// Last returns the most recently generated parameters.
func (g *Generator) Last() (tunnel.Parameters, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == nil {
		return tunnel.Parameters{}, false
	}
	return *g.last, true
}
