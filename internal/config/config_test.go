package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

func validYAML(t *testing.T) string {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return `version: "1.2.0"
relays:
  - hostname: se-got-wg-001
    ipv4: 185.65.135.1
    ipv6: "2a03:1b20:1:f011::a01f"
    public_key: ` + peer.PublicKey().String() + `
    ports: [51820, 53]
account:
  private_key: ` + priv.String() + `
  ipv4_address: 10.64.0.2/32
  ipv4_gateway: 10.64.0.1
settings:
  allow_lan: true
  custom_dns: ["192.168.1.1", "10.64.0.1"]
  allowed_endpoint: "1.2.3.4:443/tcp"
tunnel:
  mtu: 1280
  handshake_timeout: 5s
firewall:
  fwmark: 0x1234
split_tunnel:
  table: 0x100
`
}

func TestLoad_AppliesDefaultsAndFileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpnd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML(t)), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Settings.AllowLan)
	assert.Equal(t, 1280, cfg.Tunnel.MTU)
	assert.Equal(t, 5*time.Second, cfg.Tunnel.HandshakeTimeout)
	assert.Equal(t, "wg-vpnd", cfg.Tunnel.Interface)
	assert.Equal(t, DefaultMinAliveTime, cfg.Tunnel.MinAliveTime)
	assert.Equal(t, uint32(DefaultMaxDeviceTry), cfg.Tunnel.MaxDeviceAttempts)
	assert.Equal(t, uint32(0x1234), cfg.Firewall.Fwmark)
	assert.Equal(t, "VPND", cfg.Firewall.ChainPrefix)
	assert.Equal(t, DefaultResolvConf, cfg.DNS.ResolvConf)

	relays, err := cfg.ParamsRelays()
	require.NoError(t, err)
	require.Len(t, relays, 1)
	assert.Equal(t, []uint16{51820, 53}, relays[0].Ports)
	assert.True(t, relays[0].IPv6.Is6())

	dns, err := cfg.CustomDNS()
	require.NoError(t, err)
	assert.Len(t, dns.Custom, 2)

	ep, err := cfg.AllowedEndpoint()
	require.NoError(t, err)
	require.NotNil(t, ep)
	assert.Equal(t, policy.TCP, ep.Endpoint.Protocol)
	assert.Equal(t, policy.AllowedClientsRoot, ep.Clients)

	opts := cfg.ParamsOptions()
	assert.Equal(t, 1280, opts.MTU)
	assert.True(t, opts.VerifyDNS)

	assert.True(t, cfg.SplitTunnel.Enabled)
	split := cfg.SplitTunnelOptions()
	assert.Equal(t, uint32(0x1234), split.Fwmark)
	assert.Equal(t, 0x100, split.Table)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestParse_RejectsUnsupportedVersion(t *testing.T) {
	for _, v := range []string{"2.0.0", "0.9.0", "banana"} {
		t.Run(v, func(t *testing.T) {
			cfg := Default()
			cfg.Version = v
			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "version", verr.Field)
		})
	}
}

func TestValidate_ReportsField(t *testing.T) {
	base, err := Parse([]byte(validYAML(t)))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no relays", func(c *Config) { c.Relays = nil }, "relays"},
		{"relay without address", func(c *Config) { c.Relays[0].IPv4, c.Relays[0].IPv6 = "", "" }, "relays[0]"},
		{"relay ipv4 is v6", func(c *Config) { c.Relays[0].IPv4 = "::1" }, "relays[0].ipv4"},
		{"bad relay key", func(c *Config) { c.Relays[0].PublicKey = "nope" }, "relays[0].public_key"},
		{"zero port", func(c *Config) { c.Relays[0].Ports = []uint16{0} }, "relays[0].ports"},
		{"bad private key", func(c *Config) { c.Account.PrivateKey = "" }, "account.private_key"},
		{"bad tunnel address", func(c *Config) { c.Account.IPv4Address = "10.64.0.2" }, "account.ipv4_address"},
		{"bad gateway", func(c *Config) { c.Account.IPv4Gateway = "fe80::1" }, "account.ipv4_gateway"},
		{"bad custom dns", func(c *Config) { c.Settings.CustomDNS = []string{"dns.example"} }, "settings.custom_dns[0]"},
		{"bad allowed endpoint", func(c *Config) { c.Settings.AllowedEndpoint = "1.2.3.4" }, "settings.allowed_endpoint"},
		{"bad clients", func(c *Config) { c.Settings.AllowedEndpointClients = "some" }, "settings.allowed_endpoint_clients"},
		{"mtu too small", func(c *Config) { c.Tunnel.MTU = 576 }, "tunnel.mtu"},
		{"no device attempts", func(c *Config) { c.Tunnel.MaxDeviceAttempts = 0 }, "tunnel.max_device_attempts"},
		{"split tunnel without mark", func(c *Config) { c.Firewall.Fwmark = 0 }, "split_tunnel.enabled"},
		{"negative split table", func(c *Config) { c.SplitTunnel.Table = -1 }, "split_tunnel.table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			cfg.Relays = append([]RelayConfig(nil), base.Relays...)
			tt.mutate(&cfg)

			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestAllowedEndpoint_EmptyMeansNone(t *testing.T) {
	cfg := Default()
	ep, err := cfg.AllowedEndpoint()
	require.NoError(t, err)
	assert.Nil(t, ep)
}
