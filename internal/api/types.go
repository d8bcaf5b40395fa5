package api

import (
	"time"

	"github.com/dmdmdm-nz/vpnd/internal/tunnelstate"
)

type StateResponse struct {
	State    tunnelstate.TunnelStateTransition `json:"state"`
	Settings tunnelstate.Settings              `json:"settings"`
	// FirewallPolicy describes the applied policy; empty when none is.
	FirewallPolicy string `json:"firewall_policy,omitempty"`
}

type AllowLanRequest struct {
	Allow bool `json:"allow"`
}

type BlockWhenDisconnectedRequest struct {
	Block bool `json:"block"`
}

// AllowedEndpointRequest takes the endpoint as "addr:port[/proto]" and the
// clients as "root" or "all".
type AllowedEndpointRequest struct {
	Endpoint string `json:"endpoint"`
	Clients  string `json:"clients"`
}

type DnsRequest struct {
	Custom []string `json:"custom"`
}

type ExcludedAppsRequest struct {
	Paths []string `json:"paths"`
}

// EventMessage is one frame on the events websocket.
type EventMessage struct {
	Subscriber string                            `json:"subscriber"`
	Time       time.Time                         `json:"time"`
	Transition tunnelstate.TunnelStateTransition `json:"transition"`
}
