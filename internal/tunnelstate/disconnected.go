package tunnelstate

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// disconnectedState has no tunnel. With block-when-disconnected set the
// blocked policy stays in force, otherwise the firewall is left alone.
type disconnectedState struct{}

func enterDisconnected(shared *SharedValues, resetFirewall bool) (TunnelState, TunnelStateTransition) {
	setDisconnectedPolicy(shared, resetFirewall)
	shared.resetDns()
	return &disconnectedState{}, disconnectedTransition(shared.BlockWhenDisconnected)
}

func setDisconnectedPolicy(shared *SharedValues, resetFirewall bool) {
	if shared.BlockWhenDisconnected {
		if err := shared.applyPolicy(shared.blockedPolicy()); err != nil {
			log.WithError(err).Error("Failed to apply blocking firewall policy for disconnected state")
		}
		return
	}
	if resetFirewall {
		shared.resetFirewall()
	}
}

func (s *disconnectedState) HandleEvent(ctx context.Context, cmds *commandReceiver, shared *SharedValues) EventConsequence {
	if cmds.closed() {
		return finished()
	}
	cmd, ok := <-cmds.C()
	if !ok {
		cmds.markClosed()
		return finished()
	}

	switch cmd := cmd.(type) {
	case AllowLanCommand:
		if shared.setAllowLan(cmd.Allow) && shared.BlockWhenDisconnected {
			setDisconnectedPolicy(shared, false)
		}
		ack(cmd.Done)
	case AllowEndpointCommand:
		if shared.setAllowedEndpoint(cmd.Endpoint) && shared.BlockWhenDisconnected {
			setDisconnectedPolicy(shared, false)
		}
		ack(cmd.Done)
	case DnsCommand:
		shared.setDnsConfig(cmd.Config)
		ack(cmd.Done)
	case BlockWhenDisconnectedCommand:
		defer ack(cmd.Done)
		if !shared.setBlockWhenDisconnected(cmd.Block) {
			return sameState(s)
		}
		setDisconnectedPolicy(shared, true)
		return newState(s, disconnectedTransition(cmd.Block))
	case SetExcludedAppsCommand:
		reply(cmd.Result, shared.setExcludedApps(cmd.Paths))
	case ConnectivityCommand:
		shared.Connectivity = cmd.Connectivity
	case ConnectCommand:
		return newState(enterConnecting(ctx, shared, 0))
	case BlockCommand:
		return newState(enterError(shared, cmd.Cause))
	case DisconnectCommand:
	default:
		if !shared.handleHousekeeping(cmd) {
			log.Warnf("Unhandled command %T", cmd)
		}
	}
	return sameState(s)
}
