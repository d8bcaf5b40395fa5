package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/api"
	"github.com/dmdmdm-nz/vpnd/internal/config"
	"github.com/dmdmdm-nz/vpnd/internal/dns"
	"github.com/dmdmdm-nz/vpnd/internal/firewall"
	"github.com/dmdmdm-nz/vpnd/internal/metrics"
	"github.com/dmdmdm-nz/vpnd/internal/netmon"
	"github.com/dmdmdm-nz/vpnd/internal/params"
	"github.com/dmdmdm-nz/vpnd/internal/routing"
	"github.com/dmdmdm-nz/vpnd/internal/runtime"
	"github.com/dmdmdm-nz/vpnd/internal/splittunnel"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
	"github.com/dmdmdm-nz/vpnd/internal/tunnelstate"
	"github.com/dmdmdm-nz/vpnd/pkg/cli"
)

func main() {
	// Parse command line flags
	flags := cli.ParseFlags()

	// Configure logging
	setLogLevel(flags.LogLevel)
	log.SetFormatter(&log.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FullTimestamp:   true,
	})

	log.Infof("Config: %s", flags)

	if os.Geteuid() != 0 {
		log.Fatal("The vpnd service must be run as root.")
	}

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.WithError(err).WithField("path", flags.ConfigPath).Fatal("Failed to load configuration")
	}

	settings, err := initialSettings(cfg)
	if err != nil {
		log.WithError(err).Fatal("Invalid settings")
	}

	// A crashed run may have left its resolv.conf in place.
	resolvConf := dns.NewResolvConf(cfg.DNS.ResolvConf)
	if err := resolvConf.RestoreStale(); err != nil {
		log.WithError(err).Warn("Failed to restore DNS settings left by a previous run")
	}

	fwOpts := firewall.Options{Fwmark: cfg.Firewall.Fwmark, ChainPrefix: cfg.Firewall.ChainPrefix}
	var fw firewall.Firewall
	if backend, err := firewall.New(fwOpts); err != nil {
		log.WithError(err).Error("Firewall backend unavailable, traffic will not be filtered")
		fw = firewall.Nop{}
	} else {
		fw = backend
	}

	relays, err := cfg.ParamsRelays()
	if err != nil {
		log.WithError(err).Fatal("Invalid relays")
	}
	keys, err := cfg.ParamsKeys()
	if err != nil {
		log.WithError(err).Fatal("Invalid account keys")
	}
	generator, err := params.NewGenerator(relays, keys, cfg.ParamsOptions())
	if err != nil {
		log.WithError(err).Fatal("Failed to create tunnel parameter generator")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var excluder *splittunnel.Excluder
	if cfg.SplitTunnel.Enabled {
		if excluder, err = splittunnel.New(cfg.SplitTunnelOptions()); err != nil {
			log.WithError(err).Warn("Split tunneling unavailable, excluded applications will be refused")
			excluder = nil
		}
	}

	m := metrics.New()
	netmonSvc := netmon.NewService(cfg.Tunnel.Interface)
	netmonSvc.Check()

	loggedFw := firewall.NewLogged(fw)
	ports := tunnelstate.Ports{
		Firewall:     loggedFw,
		DNS:          resolvConf,
		Routes:       routing.NewManager(),
		Tunnel:       tunnel.NewWireGuard(cfg.Tunnel.Verbose),
		Params:       generator,
		Connectivity: netmonSvc,
	}
	if excluder != nil {
		ports.SplitTunnel = excluder
	}
	machine := tunnelstate.NewMachine(ports, settings, tunnelstate.Options{
		MinTunnelAliveTime:  cfg.Tunnel.MinAliveTime,
		MaxAttemptCreateTun: cfg.Tunnel.MaxDeviceAttempts,
		Fwmark:              cfg.Firewall.Fwmark,
		Metrics:             m,
	})
	apiSvc := api.NewService(flags.Host, flags.Port, machine, tunnel.StatsReader{}, m).WithFirewall(loggedFw)

	// Wire subscriptions BEFORE starting producers to avoid missing anything.
	// The state machine follows netmon.
	connCh, connUnsub := netmonSvc.Subscribe()

	// Start in dependency order: netmon → splittunnel → tunnelstate → api
	super := runtime.NewSupervisor()
	super.Add("netmon", func(ctx context.Context) error { return netmonSvc.Start(ctx) }, netmonSvc.Close)
	if excluder != nil {
		super.Add("splittunnel", excluder.Start, excluder.Close)
	}
	super.Add("tunnelstate", func(ctx context.Context) error {
		go forwardConnectivity(ctx, machine, connCh)
		if flags.AutoConnect || cfg.Settings.AutoConnect {
			if err := machine.Connect(ctx); err != nil {
				log.WithError(err).Warn("Failed to auto-connect")
			}
		}
		return machine.Run(ctx)
	}, func() error {
		connUnsub()
		return machine.Close()
	})
	super.Add("api", func(ctx context.Context) error { return apiSvc.Start(ctx) }, apiSvc.Close)

	if err := super.Start(ctx); err != nil {
		log.WithError(err).Error("Supervisor start failed")
		os.Exit(1)
	}
	if err := super.Wait(ctx); err != nil {
		log.WithError(err).Error("Supervisor wait failed")
		os.Exit(1)
	}
}

func initialSettings(cfg *config.Config) (tunnelstate.Settings, error) {
	customDNS, err := cfg.CustomDNS()
	if err != nil {
		return tunnelstate.Settings{}, err
	}
	allowed, err := cfg.AllowedEndpoint()
	if err != nil {
		return tunnelstate.Settings{}, err
	}
	if err := tunnelstate.ValidateExcludedPaths(cfg.Settings.ExcludedApps); err != nil {
		return tunnelstate.Settings{}, err
	}
	return tunnelstate.Settings{
		AllowLan:              cfg.Settings.AllowLan,
		BlockWhenDisconnected: cfg.Settings.BlockWhenDisconnected,
		AllowedEndpoint:       allowed,
		Dns:                   customDNS,
		ExcludedApps:          cfg.Settings.ExcludedApps,
	}, nil
}

// forwardConnectivity feeds connectivity changes into the state machine until
// either side stops.
func forwardConnectivity(ctx context.Context, machine *tunnelstate.Machine, ch <-chan netmon.Connectivity) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			if err := machine.SetConnectivity(ctx, c); err != nil {
				log.WithError(err).Debug("Stopped forwarding connectivity")
				return
			}
		}
	}
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}
