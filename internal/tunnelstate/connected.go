package tunnelstate

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

// connectedState holds a working tunnel. All traffic goes through it and DNS
// is pinned to the resolved servers.
type connectedState struct {
	attempt  *tunnelAttempt
	params   tunnel.Parameters
	metadata policy.TunnelMetadata
}

func enterConnected(shared *SharedValues, attempt *tunnelAttempt, params tunnel.Parameters, metadata policy.TunnelMetadata) (TunnelState, TunnelStateTransition) {
	s := &connectedState{attempt: attempt, params: params, metadata: metadata}

	if err := s.setFirewallPolicy(shared); err != nil {
		shared.resetRoutes()
		return enterDisconnecting(attempt, AfterBlock(CauseSetFirewallPolicyError(err)))
	}
	if err := s.setDns(shared); err != nil {
		shared.resetDns()
		shared.resetRoutes()
		return enterDisconnecting(attempt, AfterBlock(CauseSetDnsError(err)))
	}

	return s, connectedTransition(params.TunnelEndpoint(), metadata)
}

func (s *connectedState) resolvedDns(shared *SharedValues) policy.ResolvedDnsConfig {
	return shared.Dns.Resolve(s.metadata, shared.AllowLan)
}

func (s *connectedState) setFirewallPolicy(shared *SharedValues) error {
	p := policy.ConnectedPolicy{
		Peer:           peerEndpoint(s.params),
		TunnelMetadata: s.metadata,
		Lan:            shared.AllowLan,
		Dns:            s.resolvedDns(shared),
	}
	if err := shared.applyPolicy(p); err != nil {
		log.WithError(err).Error("Failed to apply firewall policy for connected state")
		return err
	}
	return nil
}

func (s *connectedState) setDns(shared *SharedValues) error {
	if err := shared.ports.DNS.Set(s.metadata.Interface, s.resolvedDns(shared)); err != nil {
		log.WithError(err).Error("Failed to set system DNS settings")
		return err
	}
	return nil
}

func (s *connectedState) reapply(shared *SharedValues) EventConsequence {
	if err := s.setFirewallPolicy(shared); err != nil {
		return s.disconnect(shared, AfterBlock(CauseSetFirewallPolicyError(err)))
	}
	if err := s.setDns(shared); err != nil {
		return s.disconnect(shared, AfterBlock(CauseSetDnsError(err)))
	}
	return sameState(s)
}

func (s *connectedState) disconnect(shared *SharedValues, after AfterDisconnect) EventConsequence {
	shared.resetDns()
	shared.resetRoutes()
	return newState(enterDisconnecting(s.attempt, after))
}

func (s *connectedState) HandleEvent(ctx context.Context, cmds *commandReceiver, shared *SharedValues) EventConsequence {
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

func (s *connectedState) handleCommand(cmd Command, shared *SharedValues) EventConsequence {
	switch cmd := cmd.(type) {
	case AllowLanCommand:
		defer ack(cmd.Done)
		if shared.setAllowLan(cmd.Allow) {
			return s.reapply(shared)
		}
		return sameState(s)
	case AllowEndpointCommand:
		// The connected policy has no room for it; it takes effect on the
		// next connecting or blocked policy.
		shared.setAllowedEndpoint(cmd.Endpoint)
		ack(cmd.Done)
		return sameState(s)
	case DnsCommand:
		defer ack(cmd.Done)
		if shared.setDnsConfig(cmd.Config) {
			return s.reapply(shared)
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

func (s *connectedState) handleTunnelEvent(ev tunnel.Event, shared *SharedValues) EventConsequence {
	defer ev.Ack()
	log.WithField("attempt_id", s.attempt.id).Debugf("Tunnel event: %s", ev)

	switch ev.Kind {
	case tunnel.EventDown:
		// A connection that worked does not count against the next attempt's
		// backoff, but it is a retry.
		return s.disconnect(shared, AfterReconnect(1))
	case tunnel.EventAuthFailed:
		return s.disconnect(shared, AfterBlock(CauseAuthFailed(ev.Reason)))
	default:
		return sameState(s)
	}
}

func (s *connectedState) handleTunnelClose(ctx context.Context, cause *ErrorStateCause, dropped bool, shared *SharedValues) EventConsequence {
	s.attempt.close()
	shared.resetDns()
	shared.resetRoutes()

	if cause != nil {
		shared.opts.Metrics.ObserveTunnelClose("error")
		return newState(enterError(shared, *cause))
	}

	if dropped {
		shared.opts.Metrics.ObserveTunnelClose("dropped")
	} else {
		shared.opts.Metrics.ObserveTunnelClose("retry")
	}
	log.Info("Tunnel closed. Reconnecting.")
	return newState(enterConnecting(ctx, shared, 1))
}
