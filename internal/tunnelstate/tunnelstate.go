// Package tunnelstate is the tunnel state machine. It owns the firewall, DNS
// and route ports and keeps the applied firewall policy in step with the
// tunnel's lifecycle so that traffic is never unconstrained.
package tunnelstate

import (
	"context"
)

// TunnelState is one state of the machine. HandleEvent waits for exactly one
// command, tunnel event or close signal and returns what happens next.
type TunnelState interface {
	HandleEvent(ctx context.Context, cmds *commandReceiver, shared *SharedValues) EventConsequence
}

type consequenceKind int

const (
	consequenceSame consequenceKind = iota
	consequenceNew
	consequenceFinished
)

type EventConsequence struct {
	kind       consequenceKind
	state      TunnelState
	transition TunnelStateTransition
}

func sameState(s TunnelState) EventConsequence {
	return EventConsequence{kind: consequenceSame, state: s}
}

func newState(s TunnelState, t TunnelStateTransition) EventConsequence {
	return EventConsequence{kind: consequenceNew, state: s, transition: t}
}

func finished() EventConsequence {
	return EventConsequence{kind: consequenceFinished}
}
