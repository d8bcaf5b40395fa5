package tunnelstate

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/netmon"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/runtime"
)

const commandQueueSize = 32

var (
	ErrShutdown       = errors.New("tunnel state machine is shut down")
	ErrAlreadyRunning = errors.New("tunnel state machine already running")
)

// Machine runs the tunnel state machine. Commands go in through Send or the
// helpers; every state change comes out, in order, through Subscribe.
type Machine struct {
	shared   *SharedValues
	commands chan Command

	sendMu sync.RWMutex
	closed bool

	// mu orders publishing against Subscribe so that a subscriber's snapshot
	// is never older than the first live transition it receives.
	mu        sync.Mutex
	current   TunnelStateTransition
	settings  Settings
	running   bool
	published bool
	bus       *runtime.Broadcaster[TunnelStateTransition]

	done chan struct{}
}

func NewMachine(ports Ports, settings Settings, opts Options) *Machine {
	shared := newSharedValues(ports, settings, opts)
	m := &Machine{
		shared:   shared,
		commands: make(chan Command, commandQueueSize),
		current:  disconnectedTransition(settings.BlockWhenDisconnected),
		settings: shared.Settings.clone(),
		bus:      runtime.NewBroadcaster[TunnelStateTransition](),
		done:     make(chan struct{}),
	}
	shared.onSettings = m.storeSettings
	return m
}

// Run drives the machine until the command queue is closed, by Shutdown or
// by ctx ending, and the machine has settled in the disconnected state.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	m.shared.ctx = loopCtx

	stop := context.AfterFunc(ctx, m.Shutdown)
	defer stop()

	if c := m.shared.ports.Connectivity; c != nil {
		m.shared.Connectivity = c.Connectivity()
	}
	log.WithFields(log.Fields{
		"connectivity":            m.shared.Connectivity.String(),
		"allow_lan":               m.shared.AllowLan,
		"block_when_disconnected": m.shared.BlockWhenDisconnected,
	}).Info("Starting tunnel state machine")

	if len(m.shared.ExcludedApps) > 0 {
		if err := m.shared.setExcludedApps(m.shared.ExcludedApps); err != nil {
			log.Warn("Starting without excluded applications")
			m.shared.ExcludedApps = nil
			m.shared.settingsChanged()
		}
	}

	state, transition := enterDisconnected(m.shared, true)
	m.publish(transition)

	cmds := &commandReceiver{ch: m.commands}
	for {
		consequence := state.HandleEvent(loopCtx, cmds, m.shared)
		switch consequence.kind {
		case consequenceSame:
			state = consequence.state
		case consequenceNew:
			state = consequence.state
			m.publish(consequence.transition)
		case consequenceFinished:
			m.finish()
			return nil
		}
	}
}

func (m *Machine) publish(t TunnelStateTransition) {
	log.Infof("New tunnel state: %s", t)
	m.shared.opts.Metrics.ObserveTransition(string(t.State))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
	m.published = true
	m.bus.Publish(t)
}

func (m *Machine) storeSettings(s Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

func (m *Machine) finish() {
	log.Info("Tunnel state machine shutting down")
	m.shared.resetDns()
	if m.shared.BlockWhenDisconnected {
		log.Info("Leaving the blocking firewall policy in place")
	} else {
		m.shared.resetFirewall()
	}
	_ = m.bus.Close()
	close(m.done)
}

// Shutdown closes the command queue. The machine disconnects and then
// finishes. Safe to call more than once.
func (m *Machine) Shutdown() {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.commands)
	}
}

// Close shuts the machine down without waiting for it to finish.
func (m *Machine) Close() error {
	m.Shutdown()
	return nil
}

// Done is closed once Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Send queues cmd. It does not wait for the command to be handled.
func (m *Machine) Send(ctx context.Context, cmd Command) error {
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed {
		return ErrShutdown
	}
	select {
	case m.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the last published transition.
func (m *Machine) Current() TunnelStateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Settings returns the current settings. A setter that has returned is
// reflected here.
func (m *Machine) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.clone()
}

// Subscribe returns the current state followed by every later transition.
// Subscribers registered before Run see the initial state as the first live
// transition instead.
func (m *Machine) Subscribe() (<-chan TunnelStateTransition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.published {
		return m.bus.Subscribe()
	}
	return m.bus.Subscribe(m.current)
}

func (m *Machine) Connect(ctx context.Context) error {
	return m.Send(ctx, ConnectCommand{})
}

func (m *Machine) Disconnect(ctx context.Context) error {
	return m.Send(ctx, DisconnectCommand{})
}

func (m *Machine) Block(ctx context.Context, cause ErrorStateCause) error {
	return m.Send(ctx, BlockCommand{Cause: cause})
}

func (m *Machine) SetConnectivity(ctx context.Context, c netmon.Connectivity) error {
	return m.Send(ctx, ConnectivityCommand{Connectivity: c})
}

// The setters below return once the new value is in force.

func (m *Machine) SetAllowLan(ctx context.Context, allow bool) error {
	done := make(chan struct{})
	if err := m.Send(ctx, AllowLanCommand{Allow: allow, Done: done}); err != nil {
		return err
	}
	return m.wait(ctx, done)
}

func (m *Machine) SetAllowedEndpoint(ctx context.Context, ep *policy.AllowedEndpoint) error {
	done := make(chan struct{})
	if err := m.Send(ctx, AllowEndpointCommand{Endpoint: ep, Done: done}); err != nil {
		return err
	}
	return m.wait(ctx, done)
}

func (m *Machine) SetDns(ctx context.Context, cfg policy.DnsConfig) error {
	done := make(chan struct{})
	if err := m.Send(ctx, DnsCommand{Config: cfg, Done: done}); err != nil {
		return err
	}
	return m.wait(ctx, done)
}

func (m *Machine) SetBlockWhenDisconnected(ctx context.Context, block bool) error {
	done := make(chan struct{})
	if err := m.Send(ctx, BlockWhenDisconnectedCommand{Block: block, Done: done}); err != nil {
		return err
	}
	return m.wait(ctx, done)
}

// SetExcludedApps rejects invalid paths, and any exclusion when there is no
// split tunnel, up front; a failure inside the machine while connected blocks
// traffic.
func (m *Machine) SetExcludedApps(ctx context.Context, paths []string) error {
	if err := ValidateExcludedPaths(paths); err != nil {
		return err
	}
	if _, none := m.shared.ports.SplitTunnel.(noSplitTunnel); none && len(paths) > 0 {
		return ErrSplitTunnelUnsupported
	}
	result := make(chan error, 1)
	if err := m.Send(ctx, SetExcludedAppsCommand{Paths: paths, Result: result}); err != nil {
		return err
	}
	return m.waitResult(ctx, result)
}

func (m *Machine) BypassSocket(ctx context.Context, fd int) error {
	result := make(chan error, 1)
	if err := m.Send(ctx, BypassSocketCommand{Fd: fd, Result: result}); err != nil {
		return err
	}
	return m.waitResult(ctx, result)
}

func (m *Machine) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case <-done:
			return nil
		default:
			return ErrShutdown
		}
	}
}

func (m *Machine) waitResult(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrShutdown
		}
	}
}
