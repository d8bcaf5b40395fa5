package tunnelstate

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// blockedState is the error state. It always holds the blocked policy,
// whatever block-when-disconnected says, until told to connect or
// disconnect.
type blockedState struct {
	cause ErrorStateCause
}

func enterError(shared *SharedValues, cause ErrorStateCause) (TunnelState, TunnelStateTransition) {
	log.WithError(cause).Error("Entering error state")

	var blockFailure error
	if err := shared.applyPolicy(shared.blockedPolicy()); err != nil {
		log.WithError(err).Error("Failed to apply firewall policy for blocked state")
		blockFailure = err
	}
	return &blockedState{cause: cause}, errorTransition(cause, blockFailure)
}

func (s *blockedState) reapply(shared *SharedValues) {
	if err := shared.applyPolicy(shared.blockedPolicy()); err != nil {
		log.WithError(err).Error("Failed to apply firewall policy for blocked state")
	}
}

func (s *blockedState) HandleEvent(ctx context.Context, cmds *commandReceiver, shared *SharedValues) EventConsequence {
	if cmds.closed() {
		return newState(enterDisconnected(shared, true))
	}
	cmd, ok := <-cmds.C()
	if !ok {
		cmds.markClosed()
		return newState(enterDisconnected(shared, true))
	}

	switch cmd := cmd.(type) {
	case AllowLanCommand:
		if shared.setAllowLan(cmd.Allow) {
			s.reapply(shared)
		}
		ack(cmd.Done)
	case AllowEndpointCommand:
		if shared.setAllowedEndpoint(cmd.Endpoint) {
			s.reapply(shared)
		}
		ack(cmd.Done)
	case DnsCommand:
		shared.setDnsConfig(cmd.Config)
		ack(cmd.Done)
	case SetExcludedAppsCommand:
		reply(cmd.Result, shared.setExcludedApps(cmd.Paths))
	case ConnectivityCommand:
		shared.Connectivity = cmd.Connectivity
		if s.cause.Kind == ErrorIsOffline && !cmd.Connectivity.IsOffline() {
			log.Info("Connectivity is back, reconnecting")
			return newState(enterConnecting(ctx, shared, 0))
		}
	case ConnectCommand:
		if s.cause.Kind == ErrorIsOffline && shared.Connectivity.IsOffline() {
			log.Info("Ignoring connect request while offline")
			return sameState(s)
		}
		return newState(enterConnecting(ctx, shared, 0))
	case DisconnectCommand:
		return newState(enterDisconnected(shared, true))
	case BlockCommand:
		return newState(enterError(shared, cmd.Cause))
	default:
		if !shared.handleHousekeeping(cmd) {
			log.Warnf("Unhandled command %T", cmd)
		}
	}
	return sameState(s)
}
