package tunnelstate

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// disconnectingState waits for the tunnel worker to report its close, then
// carries out the after-disconnect action. Commands received meanwhile may
// change that action.
type disconnectingState struct {
	attempt *tunnelAttempt
	after   AfterDisconnect
}

func enterDisconnecting(attempt *tunnelAttempt, after AfterDisconnect) (TunnelState, TunnelStateTransition) {
	attempt.close()
	return &disconnectingState{attempt: attempt, after: after}, disconnectingTransition(after)
}

func (s *disconnectingState) HandleEvent(ctx context.Context, cmds *commandReceiver, shared *SharedValues) EventConsequence {
	if cmds.closed() {
		s.after = afterQueueClosed(s.after)
	}

	select {
	case cmd, ok := <-cmds.C():
		if !ok {
			cmds.markClosed()
			s.after = afterQueueClosed(s.after)
			return sameState(s)
		}
		s.after = s.handleCommand(cmd, shared)
		return sameState(s)
	case cause, ok := <-s.attempt.closeEvent:
		switch {
		case !ok:
			log.WithField("attempt_id", s.attempt.id).Warn("Tunnel monitor stopped without reporting a close reason")
		case cause != nil:
			log.WithError(*cause).Debug("Tunnel reported a close reason while disconnecting")
		}
		return s.afterDisconnect(ctx, shared)
	}
}

func afterQueueClosed(after AfterDisconnect) AfterDisconnect {
	if after.Kind == AfterBlockKind {
		return after
	}
	return AfterNothing()
}

func (s *disconnectingState) handleCommand(cmd Command, shared *SharedValues) AfterDisconnect {
	switch cmd := cmd.(type) {
	case AllowLanCommand:
		shared.setAllowLan(cmd.Allow)
		ack(cmd.Done)
	case AllowEndpointCommand:
		shared.setAllowedEndpoint(cmd.Endpoint)
		ack(cmd.Done)
	case DnsCommand:
		shared.setDnsConfig(cmd.Config)
		ack(cmd.Done)
	case SetExcludedAppsCommand:
		reply(cmd.Result, shared.setExcludedApps(cmd.Paths))
	case ConnectivityCommand:
		shared.Connectivity = cmd.Connectivity
		switch s.after.Kind {
		case AfterBlockKind:
			if !cmd.Connectivity.IsOffline() && s.after.Cause.Kind == ErrorIsOffline {
				return AfterReconnect(0)
			}
		case AfterReconnectKind:
			if cmd.Connectivity.IsOffline() {
				return AfterBlock(CauseIsOffline())
			}
		}
	case ConnectCommand:
		if s.after.Kind == AfterReconnectKind {
			return s.after
		}
		return AfterReconnect(0)
	case DisconnectCommand:
		return AfterNothing()
	case BlockCommand:
		return AfterBlock(cmd.Cause)
	default:
		if !shared.handleHousekeeping(cmd) {
			log.Warnf("Unhandled command %T", cmd)
		}
	}
	return s.after
}

func (s *disconnectingState) afterDisconnect(ctx context.Context, shared *SharedValues) EventConsequence {
	switch s.after.Kind {
	case AfterReconnectKind:
		return newState(enterConnecting(ctx, shared, s.after.RetryAttempt))
	case AfterBlockKind:
		return newState(enterError(shared, *s.after.Cause))
	default:
		return newState(enterDisconnected(shared, true))
	}
}
