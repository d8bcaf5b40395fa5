package tunnelstate

import (
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/netmon"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

// Command is a request to the state machine. Commands carrying a Done
// channel have it closed once their effect on the firewall is in force.
type Command interface {
	isCommand()
}

type ConnectCommand struct{}

type DisconnectCommand struct{}

// BlockCommand enters the error state with the given cause.
type BlockCommand struct {
	Cause ErrorStateCause
}

type AllowLanCommand struct {
	Allow bool
	Done  chan<- struct{}
}

// AllowEndpointCommand replaces the endpoint reachable outside the tunnel.
// A nil Endpoint removes it.
type AllowEndpointCommand struct {
	Endpoint *policy.AllowedEndpoint
	Done     chan<- struct{}
}

type DnsCommand struct {
	Config policy.DnsConfig
	Done   chan<- struct{}
}

type BlockWhenDisconnectedCommand struct {
	Block bool
	Done  chan<- struct{}
}

type ConnectivityCommand struct {
	Connectivity netmon.Connectivity
}

// BypassSocketCommand marks a socket so that it is let out of the firewall
// regardless of state. Result must be buffered.
type BypassSocketCommand struct {
	Fd     int
	Result chan<- error
}

// SetExcludedAppsCommand replaces the applications excluded from the tunnel.
// Result must be buffered.
type SetExcludedAppsCommand struct {
	Paths  []string
	Result chan<- error
}

func (ConnectCommand) isCommand()               {}
func (DisconnectCommand) isCommand()            {}
func (BlockCommand) isCommand()                 {}
func (AllowLanCommand) isCommand()              {}
func (AllowEndpointCommand) isCommand()         {}
func (DnsCommand) isCommand()                   {}
func (BlockWhenDisconnectedCommand) isCommand() {}
func (ConnectivityCommand) isCommand()          {}
func (BypassSocketCommand) isCommand()          {}
func (SetExcludedAppsCommand) isCommand()       {}

func ack(done chan<- struct{}) {
	if done != nil {
		close(done)
	}
}

func reply(result chan<- error, err error) {
	if result == nil {
		return
	}
	select {
	case result <- err:
	default:
		log.Warn("Dropping command result, nobody is waiting for it")
	}
}

// commandReceiver is the machine's end of the command queue. Once the queue
// is closed it stays closed, and states check closed() before waiting.
type commandReceiver struct {
	ch       <-chan Command
	isClosed bool
}

func (r *commandReceiver) C() <-chan Command {
	if r.isClosed {
		return nil
	}
	return r.ch
}

func (r *commandReceiver) closed() bool { return r.isClosed }

func (r *commandReceiver) markClosed() { r.isClosed = true }
