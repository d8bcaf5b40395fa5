package tunnelstate

import (
	"context"
	"errors"
	"slices"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/dns"
	"github.com/dmdmdm-nz/vpnd/internal/firewall"
	"github.com/dmdmdm-nz/vpnd/internal/metrics"
	"github.com/dmdmdm-nz/vpnd/internal/netmon"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/routing"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

const (
	// MinTunnelAliveTime is the shortest a failing attempt may take, so that
	// a tunnel that dies instantly does not spin the firewall.
	MinTunnelAliveTime = 1000 * time.Millisecond
	// MaxAttemptCreateTun bounds retries of tunnel device creation failures.
	MaxAttemptCreateTun uint32 = 4
)

// ParametersGenerator produces tunnel parameters for an attempt.
type ParametersGenerator interface {
	Generate(ctx context.Context, retryAttempt uint32, availability netmon.IpAvailability) (tunnel.Parameters, error)
}

// ConnectivityChecker reports the host's current connectivity.
type ConnectivityChecker interface {
	Connectivity() netmon.Connectivity
}

// RetryPolicy decides whether a failed attempt should be retried.
type RetryPolicy func(err error, retryAttempt uint32) bool

// DefaultRetryPolicy retries device creation failures up to maxCreateTun
// attempts and defers to tunnel.IsRecoverable for everything else.
func DefaultRetryPolicy(maxCreateTun uint32) RetryPolicy {
	return func(err error, retryAttempt uint32) bool {
		var devErr *tunnel.DeviceError
		if errors.As(err, &devErr) {
			return retryAttempt < maxCreateTun
		}
		return tunnel.IsRecoverable(err)
	}
}

// Ports are the collaborators the machine drives.
type Ports struct {
	Firewall     firewall.Firewall
	DNS          dns.Monitor
	Routes       routing.Manager
	Tunnel       tunnel.Tunnel
	Params       ParametersGenerator
	Connectivity ConnectivityChecker
	// SplitTunnel enforces excluded applications. Without one, exclusions
	// are refused.
	SplitTunnel SplitTunnel
}

// Settings are the user controlled values. The machine starts from these and
// commands change them.
type Settings struct {
	AllowLan              bool                    `json:"allow_lan"`
	BlockWhenDisconnected bool                    `json:"block_when_disconnected"`
	AllowedEndpoint       *policy.AllowedEndpoint `json:"allowed_endpoint,omitempty"`
	Dns                   policy.DnsConfig        `json:"dns"`
	ExcludedApps          []string                `json:"excluded_apps,omitempty"`
}

func (s Settings) clone() Settings {
	if s.AllowedEndpoint != nil {
		ep := *s.AllowedEndpoint
		s.AllowedEndpoint = &ep
	}
	s.Dns.Custom = slices.Clone(s.Dns.Custom)
	s.ExcludedApps = slices.Clone(s.ExcludedApps)
	return s
}

type Options struct {
	MinTunnelAliveTime  time.Duration
	MaxAttemptCreateTun uint32
	ShouldRetry         RetryPolicy
	// Fwmark is set on bypass sockets. It must match the firewall's mark.
	Fwmark  uint32
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MinTunnelAliveTime == 0 {
		o.MinTunnelAliveTime = MinTunnelAliveTime
	}
	if o.MaxAttemptCreateTun == 0 {
		o.MaxAttemptCreateTun = MaxAttemptCreateTun
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = DefaultRetryPolicy(o.MaxAttemptCreateTun)
	}
	return o
}

// SharedValues live for the whole session. Only the active state touches
// them, so they need no locking.
type SharedValues struct {
	ports Ports
	opts  Options

	// ctx outlives every state and is cancelled once the machine is done.
	ctx context.Context
	// onSettings sees every settings change before the command is acked.
	onSettings func(Settings)

	Connectivity netmon.Connectivity
	Settings
}

func newSharedValues(ports Ports, settings Settings, opts Options) *SharedValues {
	if ports.SplitTunnel == nil {
		ports.SplitTunnel = noSplitTunnel{}
	}
	return &SharedValues{
		ports:    ports,
		opts:     opts.withDefaults(),
		ctx:      context.Background(),
		Settings: settings.clone(),
	}
}

func (s *SharedValues) settingsChanged() {
	if s.onSettings != nil {
		s.onSettings(s.Settings.clone())
	}
}

func (s *SharedValues) setAllowLan(allow bool) bool {
	if s.AllowLan == allow {
		return false
	}
	s.AllowLan = allow
	s.settingsChanged()
	return true
}

func (s *SharedValues) setBlockWhenDisconnected(block bool) bool {
	if s.BlockWhenDisconnected == block {
		return false
	}
	s.BlockWhenDisconnected = block
	s.settingsChanged()
	return true
}

func (s *SharedValues) setAllowedEndpoint(ep *policy.AllowedEndpoint) bool {
	if (s.AllowedEndpoint == nil) == (ep == nil) && (ep == nil || *s.AllowedEndpoint == *ep) {
		return false
	}
	if ep != nil {
		e := *ep
		ep = &e
	}
	s.AllowedEndpoint = ep
	s.settingsChanged()
	return true
}

func (s *SharedValues) setDnsConfig(cfg policy.DnsConfig) bool {
	if s.Dns.Equal(cfg) {
		return false
	}
	s.Dns = policy.DnsConfig{Custom: slices.Clone(cfg.Custom)}
	s.settingsChanged()
	return true
}

func (s *SharedValues) applyPolicy(p policy.FirewallPolicy) error {
	err := s.ports.Firewall.ApplyPolicy(p)
	s.opts.Metrics.ObserveFirewallApply(string(p.Kind()), err)
	return err
}

func (s *SharedValues) blockedPolicy() policy.BlockedPolicy {
	return policy.BlockedPolicy{Lan: s.AllowLan, Allowed: s.AllowedEndpoint}
}

func (s *SharedValues) resetFirewall() {
	if err := s.ports.Firewall.ResetPolicy(); err != nil {
		log.WithError(err).Error("Failed to reset firewall policy")
	}
}

func (s *SharedValues) resetDns() {
	if err := s.ports.DNS.Reset(); err != nil {
		log.WithError(err).Error("Unable to disable filtering resolver")
	}
}

func (s *SharedValues) resetRoutes() {
	if err := s.ports.Routes.ClearRoutes(); err != nil {
		log.WithError(err).Error("Failed to clear routes")
	}
}

// handleHousekeeping serves the commands whose handling is the same in every
// state. It reports false for commands the state must handle itself.
func (s *SharedValues) handleHousekeeping(cmd Command) bool {
	switch cmd := cmd.(type) {
	case BypassSocketCommand:
		reply(cmd.Result, s.bypassSocket(cmd.Fd))
		return true
	case BlockWhenDisconnectedCommand:
		s.setBlockWhenDisconnected(cmd.Block)
		ack(cmd.Done)
		return true
	default:
		return false
	}
}

func (s *SharedValues) bypassSocket(fd int) error {
	if s.opts.Fwmark == 0 {
		return errNoFwmark
	}
	if err := markSocket(fd, s.opts.Fwmark); err != nil {
		log.WithError(err).WithField("fd", fd).Error("Failed to bypass socket")
		return err
	}
	log.WithField("fd", fd).Debug("Socket excluded from the tunnel")
	return nil
}

// setExcludedApps stores the exclusion list in the split tunnel module.
func (s *SharedValues) setExcludedApps(paths []string) error {
	if err := s.ports.SplitTunnel.SetExcludedPaths(paths); err != nil {
		log.WithError(err).Error("Failed to set excluded applications")
		return err
	}
	s.ExcludedApps = slices.Clone(paths)
	s.settingsChanged()
	return nil
}
