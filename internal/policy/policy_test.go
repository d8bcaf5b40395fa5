package policy

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peer = AllowedEndpoint{
		Endpoint: NewEndpoint(netip.MustParseAddrPort("185.65.135.1:51820"), UDP),
		Clients:  AllowedClientsRoot,
	}
	apiEndpoint = AllowedEndpoint{
		Endpoint: NewEndpoint(netip.MustParseAddrPort("45.83.223.196:443"), TCP),
		Clients:  AllowedClientsAll,
	}
	metadata = TunnelMetadata{
		Interface:   "wg-vpnd",
		IPs:         []netip.Addr{netip.MustParseAddr("10.64.0.2")},
		IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
	}
)

func TestConnectingPolicy_Derivations(t *testing.T) {
	gw := NewEndpoint(netip.MustParseAddrPort("10.64.0.1:53"), UDP)
	p := ConnectingPolicy{
		Peer:           peer,
		TunnelMetadata: &metadata,
		Lan:            true,
		Allowed:        &apiEndpoint,
		TunnelTraffic:  AllowTunnelEndpoints(gw),
	}

	got, ok := p.PeerEndpoint()
	require.True(t, ok)
	assert.Equal(t, peer, got)

	allowed, ok := p.AllowedEndpoint()
	require.True(t, ok)
	assert.Equal(t, apiEndpoint, allowed)

	tun, ok := p.Tunnel()
	require.True(t, ok)
	assert.Equal(t, "wg-vpnd", tun.Interface)

	assert.True(t, p.AllowLan())
	assert.Equal(t, []Endpoint{gw}, p.AllowedTunnelTraffic().Endpoints())
	assert.Equal(t, KindConnecting, p.Kind())
}

func TestConnectedPolicy_AllowsAllTunnelTraffic(t *testing.T) {
	p := ConnectedPolicy{Peer: peer, TunnelMetadata: metadata}

	assert.True(t, p.AllowedTunnelTraffic().IsAll())
	_, ok := p.AllowedEndpoint()
	assert.False(t, ok)
	_, ok = p.Tunnel()
	assert.True(t, ok)
}

func TestBlockedPolicy_AllowsNoTunnelTraffic(t *testing.T) {
	p := BlockedPolicy{Lan: false, Allowed: &apiEndpoint}

	assert.True(t, p.AllowedTunnelTraffic().IsNone())
	_, ok := p.PeerEndpoint()
	assert.False(t, ok)
	_, ok = p.Tunnel()
	assert.False(t, ok)
	allowed, ok := p.AllowedEndpoint()
	require.True(t, ok)
	assert.Equal(t, apiEndpoint, allowed)

	_, ok = BlockedPolicy{}.AllowedEndpoint()
	assert.False(t, ok)
}

func TestPolicy_String(t *testing.T) {
	connecting := ConnectingPolicy{Peer: peer, TunnelTraffic: AllowNoTunnelTraffic()}
	assert.Equal(t, "Connecting to 185.65.135.1:51820/udp for root, Blocking LAN, tunnel traffic None", connecting.String())

	blocked := BlockedPolicy{Lan: true, Allowed: &apiEndpoint}
	assert.Equal(t, "Blocked, Allowing LAN, allowing endpoint 45.83.223.196:443/tcp for all clients", blocked.String())

	connected := ConnectedPolicy{Peer: peer, TunnelMetadata: metadata, Dns: ResolvedDnsConfig{Tunnel: metadata.Gateways()}}
	assert.Contains(t, connected.String(), `over "wg-vpnd"`)
	assert.Contains(t, connected.String(), "DNS tunnel: [10.64.0.1]")
}

func TestEqual(t *testing.T) {
	a := ConnectingPolicy{Peer: peer, Lan: true, TunnelTraffic: AllowNoTunnelTraffic()}
	b := ConnectingPolicy{Peer: peer, Lan: true, TunnelTraffic: AllowTunnelEndpoints()}
	assert.True(t, Equal(a, b))

	b.Lan = false
	assert.False(t, Equal(a, b))

	assert.False(t, Equal(a, BlockedPolicy{Lan: true}))
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(a, nil))

	c1 := ConnectedPolicy{Peer: peer, TunnelMetadata: metadata, Dns: ResolvedDnsConfig{Tunnel: metadata.Gateways()}}
	c2 := c1
	c2.Dns = ResolvedDnsConfig{Tunnel: []netip.Addr{netip.MustParseAddr("1.1.1.1")}}
	assert.True(t, Equal(c1, c1))
	assert.False(t, Equal(c1, c2))
}

func TestAllowedTunnelTraffic_Covers(t *testing.T) {
	gw := NewEndpoint(netip.MustParseAddrPort("10.64.0.1:53"), UDP)
	other := NewEndpoint(netip.MustParseAddrPort("10.64.0.1:1337"), TCP)

	none := AllowNoTunnelTraffic()
	one := AllowTunnelEndpoints(gw)
	two := AllowTunnelEndpoints(gw, other)
	all := AllowAllTunnelTraffic()

	assert.True(t, one.Covers(none))
	assert.True(t, two.Covers(one))
	assert.False(t, one.Covers(two))
	assert.True(t, all.Covers(two))
	assert.False(t, two.Covers(all))
	assert.True(t, none.Covers(none))
	assert.False(t, none.Covers(one))

	assert.Equal(t, "None", none.String())
	assert.Equal(t, "Only(10.64.0.1:53/udp)", one.String())
	assert.Equal(t, "All", all.String())
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("192.0.2.10:443/tcp")
	require.NoError(t, err)
	assert.Equal(t, TCP, ep.Protocol)
	assert.Equal(t, uint16(443), ep.Address.Port())

	ep, err = ParseEndpoint("[2001:db8::1]:51820")
	require.NoError(t, err)
	assert.Equal(t, UDP, ep.Protocol)

	_, err = ParseEndpoint("192.0.2.10:443/sctp")
	assert.Error(t, err)
	_, err = ParseEndpoint("not-an-endpoint")
	assert.Error(t, err)
}

func TestIsLocalAddress(t *testing.T) {
	for _, s := range []string{"127.0.0.1", "::1", "10.1.2.3", "192.168.1.1", "172.20.0.1", "fe80::1", "fd00::1", "224.0.0.251", "ff02::fb", "::ffff:192.168.1.1"} {
		assert.True(t, IsLocalAddress(netip.MustParseAddr(s)), s)
	}
	for _, s := range []string{"1.1.1.1", "172.32.0.1", "2001:4860:4860::8888", "239.1.1.1"} {
		assert.False(t, IsLocalAddress(netip.MustParseAddr(s)), s)
	}
}

func TestDnsConfig_Resolve(t *testing.T) {
	t.Run("default uses gateways", func(t *testing.T) {
		r := DnsConfig{}.Resolve(metadata, false)
		assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.64.0.1")}, r.Tunnel)
		assert.Empty(t, r.NonTunnel)
	})

	t.Run("public custom servers go through the tunnel", func(t *testing.T) {
		cfg := DnsConfig{Custom: []netip.Addr{netip.MustParseAddr("9.9.9.9")}}
		r := cfg.Resolve(metadata, false)
		assert.Equal(t, cfg.Custom, r.Tunnel)
	})

	t.Run("lan servers need allow lan", func(t *testing.T) {
		lanServer := netip.MustParseAddr("192.168.1.1")
		cfg := DnsConfig{Custom: []netip.Addr{lanServer, netip.MustParseAddr("9.9.9.9")}}

		r := cfg.Resolve(metadata, true)
		assert.Equal(t, []netip.Addr{lanServer}, r.NonTunnel)
		assert.Equal(t, []netip.Addr{netip.MustParseAddr("9.9.9.9")}, r.Tunnel)

		r = cfg.Resolve(metadata, false)
		assert.Empty(t, r.NonTunnel)
	})

	t.Run("only unreachable servers falls back to gateways", func(t *testing.T) {
		cfg := DnsConfig{Custom: []netip.Addr{netip.MustParseAddr("192.168.1.1")}}
		r := cfg.Resolve(metadata, false)
		assert.Equal(t, metadata.Gateways(), r.Tunnel)
	})
}
