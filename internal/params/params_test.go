package params

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dmdmdm-nz/vpnd/internal/netmon"
)

func testKeys(t *testing.T) Keys {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return Keys{
		PrivateKey:  priv,
		IPv4Address: netip.MustParsePrefix("10.64.0.2/32"),
		IPv6Address: netip.MustParsePrefix("fc00:bbbb:bbbb:bb01::2/128"),
		IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
		IPv6Gateway: netip.MustParseAddr("fc00:bbbb:bbbb:bb01::1"),
	}
}

func testRelays(t *testing.T) []Relay {
	t.Helper()
	k1, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	k2, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return []Relay{
		{Hostname: "se-got-wg-001", IPv4: netip.MustParseAddr("185.65.135.1"), PublicKey: k1.PublicKey(), Ports: []uint16{51820, 53}},
		{Hostname: "se-sto-wg-002", IPv4: netip.MustParseAddr("185.65.135.2"), IPv6: netip.MustParseAddr("2a03:1b20:1:f011::a02f"), PublicKey: k2.PublicKey()},
	}
}

func TestPublicKey_MatchesWgtypes(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	pub, err := PublicKey(priv)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey(), pub)

	_, err = PublicKey(wgtypes.Key{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestGenerate_RotatesRelaysThenPorts(t *testing.T) {
	g, err := NewGenerator(testRelays(t), testKeys(t), Options{})
	require.NoError(t, err)

	var peers []string
	for attempt := uint32(0); attempt < 4; attempt++ {
		p, err := g.Generate(context.Background(), attempt, netmon.IPv4)
		require.NoError(t, err)
		peers = append(peers, p.Peer.Address.String())
	}
	assert.Equal(t, []string{
		"185.65.135.1:51820",
		"185.65.135.2:51820",
		"185.65.135.1:53",
		"185.65.135.2:51820",
	}, peers)

	last, ok := g.Last()
	require.True(t, ok)
	assert.Equal(t, "se-sto-wg-002", last.Hostname)
}

func TestGenerate_FiltersByAvailability(t *testing.T) {
	g, err := NewGenerator(testRelays(t), testKeys(t), Options{})
	require.NoError(t, err)

	p, err := g.Generate(context.Background(), 0, netmon.IPv6)
	require.NoError(t, err)
	assert.Equal(t, "se-sto-wg-002", p.Hostname)
	assert.True(t, p.Peer.Address.Addr().Is6())

	p, err = g.Generate(context.Background(), 1, netmon.IPv6)
	require.NoError(t, err)
	assert.Equal(t, "se-sto-wg-002", p.Hostname, "only one relay is reachable over IPv6")
}

func TestGenerate_NoRelayForAvailability(t *testing.T) {
	relays := testRelays(t)[:1]
	g, err := NewGenerator(relays, testKeys(t), Options{})
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), 0, netmon.IPv6)
	assert.ErrorIs(t, err, ErrNoRelays)
}

func TestGenerate_IPv6TunnelAddressing(t *testing.T) {
	keys := testKeys(t)

	g, err := NewGenerator(testRelays(t), keys, Options{})
	require.NoError(t, err)
	p, err := g.Generate(context.Background(), 0, netmon.IPv4AndIPv6)
	require.NoError(t, err)
	assert.Len(t, p.Addresses, 1)
	assert.False(t, p.IPv6Gateway.IsValid())

	g, err = NewGenerator(testRelays(t), keys, Options{EnableIPv6: true, VerifyDNS: true, MTU: 1280})
	require.NoError(t, err)
	p, err = g.Generate(context.Background(), 0, netmon.IPv4AndIPv6)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{keys.IPv4Address, keys.IPv6Address}, p.Addresses)
	assert.Equal(t, keys.IPv6Gateway, p.IPv6Gateway)
	assert.True(t, p.VerifyDNS)
	assert.Equal(t, 1280, p.MTU)
	assert.Equal(t, keys.PrivateKey, p.PrivateKey)
}

func TestGenerate_CancelledContext(t *testing.T) {
	g, err := NewGenerator(testRelays(t), testKeys(t), Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Generate(ctx, 0, netmon.IPv4)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewGenerator_Validation(t *testing.T) {
	_, err := NewGenerator(nil, testKeys(t), Options{})
	assert.ErrorIs(t, err, ErrNoRelays)

	keys := testKeys(t)
	keys.PrivateKey = wgtypes.Key{}
	_, err = NewGenerator(testRelays(t), keys, Options{})
	assert.ErrorIs(t, err, ErrInvalidKey)

	keys = testKeys(t)
	keys.IPv4Gateway = netip.Addr{}
	_, err = NewGenerator(testRelays(t), keys, Options{})
	assert.Error(t, err)
}
