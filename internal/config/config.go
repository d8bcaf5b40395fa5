// Package config loads the daemon's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/Masterminds/semver"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
	"gopkg.in/yaml.v3"

	"github.com/dmdmdm-nz/vpnd/internal/params"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/splittunnel"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

// SupportedVersions is the range of configuration schema versions this build
// understands.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

const (
	DefaultResolvConf   = "/etc/resolv.conf"
	DefaultFwmark       = 0x6d6f6c65
	DefaultMinAliveTime = time.Second
	DefaultMaxDeviceTry = 4
)

// ValidationError reports the first invalid field of a configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Config is the root of the configuration file.
type Config struct {
	Version  string         `yaml:"version"`
	Relays   []RelayConfig  `yaml:"relays"`
	Account  AccountConfig  `yaml:"account"`
	Settings SettingsConfig `yaml:"settings"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Firewall FirewallConfig `yaml:"firewall"`
	DNS      DNSConfig      `yaml:"dns"`

	SplitTunnel SplitTunnelConfig `yaml:"split_tunnel"`
}

type RelayConfig struct {
	Hostname  string   `yaml:"hostname"`
	IPv4      string   `yaml:"ipv4"`
	IPv6      string   `yaml:"ipv6"`
	PublicKey string   `yaml:"public_key"`
	Ports     []uint16 `yaml:"ports"`
}

// AccountConfig holds the client key and the addresses assigned to it inside
// the tunnel.
type AccountConfig struct {
	PrivateKey  string `yaml:"private_key"`
	IPv4Address string `yaml:"ipv4_address"`
	IPv6Address string `yaml:"ipv6_address"`
	IPv4Gateway string `yaml:"ipv4_gateway"`
	IPv6Gateway string `yaml:"ipv6_gateway"`
}

// SettingsConfig are the initial values of the user facing settings.
type SettingsConfig struct {
	AllowLan              bool     `yaml:"allow_lan"`
	BlockWhenDisconnected bool     `yaml:"block_when_disconnected"`
	AutoConnect           bool     `yaml:"auto_connect"`
	EnableIPv6            bool     `yaml:"enable_ipv6"`
	CustomDNS             []string `yaml:"custom_dns"`
	// AllowedEndpoint is "ip:port[/proto]" and may be empty.
	AllowedEndpoint        string   `yaml:"allowed_endpoint"`
	AllowedEndpointClients string   `yaml:"allowed_endpoint_clients"`
	ExcludedApps           []string `yaml:"excluded_apps"`
}

type TunnelConfig struct {
	Interface           string        `yaml:"interface"`
	MTU                 int           `yaml:"mtu"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	PersistentKeepalive time.Duration `yaml:"persistent_keepalive"`
	VerifyDNS           bool          `yaml:"verify_dns"`
	MinAliveTime        time.Duration `yaml:"min_alive_time"`
	MaxDeviceAttempts   uint32        `yaml:"max_device_attempts"`
	Verbose             bool          `yaml:"verbose"`
}

type FirewallConfig struct {
	ChainPrefix string `yaml:"chain_prefix"`
	Fwmark      uint32 `yaml:"fwmark"`
}

type DNSConfig struct {
	ResolvConf string `yaml:"resolv_conf"`
}

// SplitTunnelConfig controls how excluded applications are kept out of the
// tunnel. Zero values take the splittunnel package defaults.
type SplitTunnelConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CgroupRoot string `yaml:"cgroup_root"`
	ClassID    uint32 `yaml:"class_id"`
	Table      int    `yaml:"table"`
}

// Default returns a configuration with every optional field filled in.
func Default() Config {
	return Config{
		Version: "1.0.0",
		Settings: SettingsConfig{
			AllowedEndpointClients: "root",
		},
		Tunnel: TunnelConfig{
			Interface:           tunnel.DefaultInterfaceName,
			MTU:                 tunnel.DefaultMTU,
			HandshakeTimeout:    tunnel.DefaultHandshakeTimeout,
			PersistentKeepalive: tunnel.DefaultPersistentKeepalive,
			VerifyDNS:           true,
			MinAliveTime:        DefaultMinAliveTime,
			MaxDeviceAttempts:   DefaultMaxDeviceTry,
		},
		Firewall: FirewallConfig{
			ChainPrefix: "VPND",
			Fwmark:      DefaultFwmark,
		},
		DNS: DNSConfig{
			ResolvConf: DefaultResolvConf,
		},
		SplitTunnel: SplitTunnelConfig{
			Enabled: true,
		},
	}
}

// Load reads and validates the file at path. Fields missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the whole configuration and returns a *ValidationError for
// the first problem found.
func (c *Config) Validate() error {
	if err := checkVersion(c.Version); err != nil {
		return err
	}
	if len(c.Relays) == 0 {
		return &ValidationError{Field: "relays", Message: "at least one relay is required"}
	}
	if _, err := c.ParamsRelays(); err != nil {
		return err
	}
	if _, err := c.ParamsKeys(); err != nil {
		return err
	}
	if _, err := c.CustomDNS(); err != nil {
		return err
	}
	if _, err := c.AllowedEndpoint(); err != nil {
		return err
	}
	if c.Tunnel.MTU != 0 && (c.Tunnel.MTU < 1280 || c.Tunnel.MTU > 1500) {
		return &ValidationError{Field: "tunnel.mtu", Message: "must be between 1280 and 1500"}
	}
	if c.Tunnel.MinAliveTime < 0 {
		return &ValidationError{Field: "tunnel.min_alive_time", Message: "must not be negative"}
	}
	if c.Tunnel.MaxDeviceAttempts == 0 {
		return &ValidationError{Field: "tunnel.max_device_attempts", Message: "must be at least 1"}
	}
	if c.SplitTunnel.Enabled && c.Firewall.Fwmark == 0 {
		return &ValidationError{Field: "split_tunnel.enabled", Message: "needs a non-zero firewall.fwmark"}
	}
	if c.SplitTunnel.Table < 0 {
		return &ValidationError{Field: "split_tunnel.table", Message: "must not be negative"}
	}
	return nil
}

// SplitTunnelOptions converts the split tunnel section. The firewall mark is
// shared so that excluded packets pass the filter.
func (c *Config) SplitTunnelOptions() splittunnel.Options {
	return splittunnel.Options{
		Fwmark:     c.Firewall.Fwmark,
		ClassID:    c.SplitTunnel.ClassID,
		Table:      c.SplitTunnel.Table,
		CgroupRoot: c.SplitTunnel.CgroupRoot,
	}
}

func checkVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("invalid version %q", v)}
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return &ValidationError{Field: "version", Message: fmt.Sprintf("%s is outside the supported range %s", v, SupportedVersions)}
	}
	return nil
}

// ParamsRelays converts the relay list for the parameter generator.
func (c *Config) ParamsRelays() ([]params.Relay, error) {
	out := make([]params.Relay, 0, len(c.Relays))
	for i, r := range c.Relays {
		field := fmt.Sprintf("relays[%d]", i)
		relay := params.Relay{Hostname: r.Hostname, Ports: r.Ports}
		var err error
		if relay.IPv4, err = optionalAddr(r.IPv4, field+".ipv4"); err != nil {
			return nil, err
		}
		if relay.IPv4.IsValid() && !relay.IPv4.Is4() {
			return nil, &ValidationError{Field: field + ".ipv4", Message: "not an IPv4 address"}
		}
		if relay.IPv6, err = optionalAddr(r.IPv6, field+".ipv6"); err != nil {
			return nil, err
		}
		if relay.IPv6.IsValid() && !relay.IPv6.Is6() {
			return nil, &ValidationError{Field: field + ".ipv6", Message: "not an IPv6 address"}
		}
		if !relay.IPv4.IsValid() && !relay.IPv6.IsValid() {
			return nil, &ValidationError{Field: field, Message: "needs an ipv4 or ipv6 address"}
		}
		if relay.PublicKey, err = wgtypes.ParseKey(r.PublicKey); err != nil {
			return nil, &ValidationError{Field: field + ".public_key", Message: err.Error()}
		}
		for _, p := range r.Ports {
			if p == 0 {
				return nil, &ValidationError{Field: field + ".ports", Message: "port 0 is not valid"}
			}
		}
		out = append(out, relay)
	}
	return out, nil
}

// ParamsKeys converts the account section for the parameter generator.
func (c *Config) ParamsKeys() (params.Keys, error) {
	var keys params.Keys
	var err error
	if keys.PrivateKey, err = wgtypes.ParseKey(c.Account.PrivateKey); err != nil {
		return keys, &ValidationError{Field: "account.private_key", Message: err.Error()}
	}
	if _, err := params.PublicKey(keys.PrivateKey); err != nil {
		return keys, &ValidationError{Field: "account.private_key", Message: err.Error()}
	}
	if keys.IPv4Address, err = netip.ParsePrefix(c.Account.IPv4Address); err != nil || !keys.IPv4Address.Addr().Is4() {
		return keys, &ValidationError{Field: "account.ipv4_address", Message: "an IPv4 prefix is required"}
	}
	if keys.IPv4Gateway, err = netip.ParseAddr(c.Account.IPv4Gateway); err != nil || !keys.IPv4Gateway.Is4() {
		return keys, &ValidationError{Field: "account.ipv4_gateway", Message: "an IPv4 address is required"}
	}
	if c.Account.IPv6Address != "" {
		if keys.IPv6Address, err = netip.ParsePrefix(c.Account.IPv6Address); err != nil || !keys.IPv6Address.Addr().Is6() {
			return keys, &ValidationError{Field: "account.ipv6_address", Message: "not an IPv6 prefix"}
		}
	}
	if keys.IPv6Gateway, err = optionalAddr(c.Account.IPv6Gateway, "account.ipv6_gateway"); err != nil {
		return keys, err
	}
	return keys, nil
}

func (c *Config) ParamsOptions() params.Options {
	return params.Options{
		InterfaceName:       c.Tunnel.Interface,
		MTU:                 c.Tunnel.MTU,
		HandshakeTimeout:    c.Tunnel.HandshakeTimeout,
		PersistentKeepalive: c.Tunnel.PersistentKeepalive,
		VerifyDNS:           c.Tunnel.VerifyDNS,
		EnableIPv6:          c.Settings.EnableIPv6,
	}
}

// CustomDNS returns the configured resolvers. An empty list means the tunnel
// gateways are used.
func (c *Config) CustomDNS() (policy.DnsConfig, error) {
	var cfg policy.DnsConfig
	for i, s := range c.Settings.CustomDNS {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return policy.DnsConfig{}, &ValidationError{Field: fmt.Sprintf("settings.custom_dns[%d]", i), Message: err.Error()}
		}
		cfg.Custom = append(cfg.Custom, addr)
	}
	return cfg, nil
}

// AllowedEndpoint returns the endpoint that may be reached outside the tunnel,
// or nil when none is configured.
func (c *Config) AllowedEndpoint() (*policy.AllowedEndpoint, error) {
	if c.Settings.AllowedEndpoint == "" {
		return nil, nil
	}
	ep, err := policy.ParseEndpoint(c.Settings.AllowedEndpoint)
	if err != nil {
		return nil, &ValidationError{Field: "settings.allowed_endpoint", Message: err.Error()}
	}
	clients, err := policy.ParseAllowedClients(c.Settings.AllowedEndpointClients)
	if err != nil {
		return nil, &ValidationError{Field: "settings.allowed_endpoint_clients", Message: err.Error()}
	}
	return &policy.AllowedEndpoint{Endpoint: ep, Clients: clients}, nil
}

func optionalAddr(s, field string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, &ValidationError{Field: field, Message: err.Error()}
	}
	return addr, nil
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
