package tunnelstate

import (
	"encoding/json"
	"fmt"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

// StateKind names the public states.
type StateKind string

const (
	StateDisconnected  StateKind = "disconnected"
	StateConnecting    StateKind = "connecting"
	StateConnected     StateKind = "connected"
	StateDisconnecting StateKind = "disconnecting"
	StateError         StateKind = "error"
)

// AfterDisconnectKind is what happens once a tunnel has been torn down.
type AfterDisconnectKind string

const (
	AfterNothingKind   AfterDisconnectKind = "nothing"
	AfterReconnectKind AfterDisconnectKind = "reconnect"
	AfterBlockKind     AfterDisconnectKind = "block"
)

type AfterDisconnect struct {
	Kind         AfterDisconnectKind `json:"kind"`
	RetryAttempt uint32              `json:"retry_attempt,omitempty"`
	Cause        *ErrorStateCause    `json:"cause,omitempty"`
}

func AfterNothing() AfterDisconnect { return AfterDisconnect{Kind: AfterNothingKind} }

func AfterReconnect(retryAttempt uint32) AfterDisconnect {
	return AfterDisconnect{Kind: AfterReconnectKind, RetryAttempt: retryAttempt}
}

func AfterBlock(cause ErrorStateCause) AfterDisconnect {
	return AfterDisconnect{Kind: AfterBlockKind, Cause: &cause}
}

func (a AfterDisconnect) String() string {
	switch a.Kind {
	case AfterReconnectKind:
		return fmt.Sprintf("Reconnect(%d)", a.RetryAttempt)
	case AfterBlockKind:
		return fmt.Sprintf("Block(%s)", a.Cause.Kind)
	default:
		return "Nothing"
	}
}

// ErrorState is the public view of the error state. BlockFailure is set when
// even the blocking policy could not be applied.
type ErrorState struct {
	Cause        ErrorStateCause
	BlockFailure error
}

func (e ErrorState) MarshalJSON() ([]byte, error) {
	out := struct {
		Cause        ErrorStateCause `json:"cause"`
		BlockFailure string          `json:"block_failure,omitempty"`
	}{Cause: e.Cause}
	if e.BlockFailure != nil {
		out.BlockFailure = e.BlockFailure.Error()
	}
	return json.Marshal(out)
}

// TunnelStateTransition is published once per state change.
type TunnelStateTransition struct {
	State        StateKind              `json:"state"`
	Endpoint     *tunnel.Endpoint       `json:"endpoint,omitempty"`
	Metadata     *policy.TunnelMetadata `json:"metadata,omitempty"`
	RetryAttempt uint32                 `json:"retry_attempt,omitempty"`
	LockedDown   bool                   `json:"locked_down,omitempty"`
	After        *AfterDisconnect       `json:"after_disconnect,omitempty"`
	Error        *ErrorState            `json:"error,omitempty"`
}

func (t TunnelStateTransition) String() string {
	switch t.State {
	case StateConnecting:
		if t.Endpoint != nil {
			return fmt.Sprintf("Connecting(%d) to %s", t.RetryAttempt, t.Endpoint)
		}
		return fmt.Sprintf("Connecting(%d)", t.RetryAttempt)
	case StateConnected:
		if t.Endpoint != nil {
			return fmt.Sprintf("Connected to %s", t.Endpoint)
		}
		return "Connected"
	case StateDisconnecting:
		if t.After != nil {
			return fmt.Sprintf("Disconnecting, then %s", t.After)
		}
		return "Disconnecting"
	case StateError:
		if t.Error != nil {
			return fmt.Sprintf("Error(%s)", t.Error.Cause.Kind)
		}
		return "Error"
	case StateDisconnected:
		if t.LockedDown {
			return "Disconnected (locked down)"
		}
		return "Disconnected"
	default:
		return string(t.State)
	}
}

func disconnectedTransition(lockedDown bool) TunnelStateTransition {
	return TunnelStateTransition{State: StateDisconnected, LockedDown: lockedDown}
}

func connectingTransition(ep tunnel.Endpoint, attempt uint32) TunnelStateTransition {
	return TunnelStateTransition{State: StateConnecting, Endpoint: &ep, RetryAttempt: attempt}
}

func connectedTransition(ep tunnel.Endpoint, metadata policy.TunnelMetadata) TunnelStateTransition {
	return TunnelStateTransition{State: StateConnected, Endpoint: &ep, Metadata: &metadata}
}

func disconnectingTransition(after AfterDisconnect) TunnelStateTransition {
	return TunnelStateTransition{State: StateDisconnecting, After: &after}
}

func errorTransition(cause ErrorStateCause, blockFailure error) TunnelStateTransition {
	return TunnelStateTransition{State: StateError, Error: &ErrorState{Cause: cause, BlockFailure: blockFailure}}
}
