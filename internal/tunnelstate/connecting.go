package tunnelstate

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

// connectingState drives one attempt until the tunnel is up or gone. The
// allowed tunnel traffic starts at none and only the tunnel's own
// InterfaceUp report widens it.
type connectingState struct {
	attempt        *tunnelAttempt
	params         tunnel.Parameters
	metadata       *policy.TunnelMetadata
	allowedTraffic policy.AllowedTunnelTraffic
	retryAttempt   uint32
}

func enterConnecting(ctx context.Context, shared *SharedValues, retryAttempt uint32) (TunnelState, TunnelStateTransition) {
	availability, ok := shared.Connectivity.Availability()
	if !ok {
		log.Debug("Poking route manager to update default routes")
		shared.ports.Routes.RefreshRoutes()
		return enterError(shared, CauseIsOffline())
	}

	params, err := shared.ports.Params.Generate(ctx, retryAttempt, availability)
	if err != nil {
		log.WithError(err).WithField("retry_attempt", retryAttempt).Error("Failed to generate tunnel parameters")
		return enterError(shared, CauseTunnelParameterError(err))
	}

	if err := shared.ports.SplitTunnel.SetTunnelAddresses(nil); err != nil {
		log.WithError(err).Error("Failed to reset addresses in split tunnel driver")
		return enterError(shared, CauseSplitTunnelError(err))
	}

	s := &connectingState{
		params:         params,
		allowedTraffic: policy.AllowNoTunnelTraffic(),
		retryAttempt:   retryAttempt,
	}
	if err := s.setFirewallPolicy(shared); err != nil {
		return enterError(shared, CauseSetFirewallPolicyError(err))
	}

	s.attempt = startTunnel(shared, params, retryAttempt)
	return s, connectingTransition(params.TunnelEndpoint(), retryAttempt)
}

// peerEndpoint is the endpoint the tunnel talks to outside itself. A local
// proxy runs unprivileged, so it needs every client let through.
func peerEndpoint(params tunnel.Parameters) policy.AllowedEndpoint {
	clients := policy.AllowedClientsRoot
	if params.UseProxy {
		clients = policy.AllowedClientsAll
	}
	return policy.AllowedEndpoint{Endpoint: params.NextHop(), Clients: clients}
}

func (s *connectingState) policy(shared *SharedValues) policy.ConnectingPolicy {
	p := policy.ConnectingPolicy{
		Peer:          peerEndpoint(s.params),
		Lan:           shared.AllowLan,
		Allowed:       shared.AllowedEndpoint,
		TunnelTraffic: s.allowedTraffic,
	}
	if s.metadata != nil {
		md := *s.metadata
		p.TunnelMetadata = &md
	}
	return p
}

func (s *connectingState) setFirewallPolicy(shared *SharedValues) error {
	if err := shared.applyPolicy(s.policy(shared)); err != nil {
		log.WithError(err).Error("Failed to apply firewall policy for connecting state")
		return err
	}
	return nil
}

func (s *connectingState) resetFirewall(shared *SharedValues) EventConsequence {
	if err := s.setFirewallPolicy(shared); err != nil {
		return s.disconnect(shared, AfterBlock(CauseSetFirewallPolicyError(err)))
	}
	return sameState(s)
}

func (s *connectingState) disconnect(shared *SharedValues, after AfterDisconnect) EventConsequence {
	shared.resetRoutes()
	return newState(enterDisconnecting(s.attempt, after))
}

func (s *connectingState) HandleEvent(ctx context.Context, cmds *commandReceiver, shared *SharedValues) EventConsequence {
	if cmds.closed() {
		return s.disconnect(shared, AfterNothing())
	}

	select {
	case cmd, ok := <-cmds.C():
		if !ok {
			cmds.markClosed()
			return s.disconnect(shared, AfterNothing())
		}
		return s.handleCommand(cmd, shared)
	case ev := <-s.attempt.events:
		return s.handleTunnelEvent(ev, shared)
	case cause, ok := <-s.attempt.closeEvent:
		if !ok {
			log.WithField("attempt_id", s.attempt.id).Warn("Tunnel monitor stopped without reporting a close reason")
		}
		return s.handleTunnelClose(ctx, cause, !ok, shared)
	}
}

func (s *connectingState) handleCommand(cmd Command, shared *SharedValues) EventConsequence {
	switch cmd := cmd.(type) {
	case AllowLanCommand:
		defer ack(cmd.Done)
		if shared.setAllowLan(cmd.Allow) {
			return s.resetFirewall(shared)
		}
		return sameState(s)
	case AllowEndpointCommand:
		defer ack(cmd.Done)
		if shared.setAllowedEndpoint(cmd.Endpoint) {
			return s.resetFirewall(shared)
		}
		return sameState(s)
	case DnsCommand:
		defer ack(cmd.Done)
		if shared.setDnsConfig(cmd.Config) {
			return s.resetFirewall(shared)
		}
		return sameState(s)
	case ConnectivityCommand:
		shared.Connectivity = cmd.Connectivity
		if cmd.Connectivity.IsOffline() {
			return s.disconnect(shared, AfterBlock(CauseIsOffline()))
		}
		return sameState(s)
	case ConnectCommand:
		return s.disconnect(shared, AfterReconnect(0))
	case DisconnectCommand:
		return s.disconnect(shared, AfterNothing())
	case BlockCommand:
		return s.disconnect(shared, AfterBlock(cmd.Cause))
	case SetExcludedAppsCommand:
		if err := shared.setExcludedApps(cmd.Paths); err != nil {
			reply(cmd.Result, err)
			return s.disconnect(shared, AfterBlock(CauseSplitTunnelError(err)))
		}
		reply(cmd.Result, nil)
		return sameState(s)
	default:
		if !shared.handleHousekeeping(cmd) {
			log.Warnf("Unhandled command %T", cmd)
		}
		return sameState(s)
	}
}

func (s *connectingState) handleTunnelEvent(ev tunnel.Event, shared *SharedValues) EventConsequence {
	log.WithField("attempt_id", s.attempt.id).Debugf("Tunnel event: %s", ev)

	switch ev.Kind {
	case tunnel.EventAuthFailed:
		defer ev.Ack()
		return s.disconnect(shared, AfterBlock(CauseAuthFailed(ev.Reason)))
	case tunnel.EventInterfaceUp:
		defer ev.Ack()
		md := ev.Metadata
		if err := shared.ports.SplitTunnel.SetTunnelAddresses(&md); err != nil {
			log.WithError(err).Error("Failed to register addresses with split tunnel driver")
			return s.disconnect(shared, AfterBlock(CauseSplitTunnelError(err)))
		}
		s.allowedTraffic = ev.AllowedTraffic
		s.metadata = &md
		return s.resetFirewall(shared)
	case tunnel.EventUp:
		defer ev.Ack()
		return newState(enterConnected(shared, s.attempt, s.params, ev.Metadata))
	case tunnel.EventDown:
		// Reset before the device goes away, or re-applied rules would refer
		// to an interface that no longer exists.
		defer ev.Ack()
		s.allowedTraffic = policy.AllowNoTunnelTraffic()
		s.metadata = nil
		return sameState(s)
	default:
		ev.Ack()
		return sameState(s)
	}
}

func (s *connectingState) handleTunnelClose(ctx context.Context, cause *ErrorStateCause, dropped bool, shared *SharedValues) EventConsequence {
	s.attempt.close()

	if cause != nil {
		shared.opts.Metrics.ObserveTunnelClose("error")
		shared.resetRoutes()
		return newState(enterError(shared, *cause))
	}

	next := s.retryAttempt + 1
	if dropped {
		shared.opts.Metrics.ObserveTunnelClose("dropped")
	} else {
		shared.opts.Metrics.ObserveTunnelClose("retry")
	}
	log.Infof("Tunnel closed. Reconnecting, attempt %d.", next)
	shared.resetRoutes()
	return newState(enterConnecting(ctx, shared, next))
}
