package netmon

import "fmt"

// IpAvailability says which IP families can currently reach the internet.
type IpAvailability int

const (
	IPv4 IpAvailability = iota
	IPv6
	IPv4AndIPv6
)

func (a IpAvailability) HasIPv4() bool { return a == IPv4 || a == IPv4AndIPv6 }
func (a IpAvailability) HasIPv6() bool { return a == IPv6 || a == IPv4AndIPv6 }

func (a IpAvailability) String() string {
	switch a {
	case IPv4:
		return "IPv4"
	case IPv6:
		return "IPv6"
	case IPv4AndIPv6:
		return "IPv4 and IPv6"
	default:
		return fmt.Sprintf("IpAvailability(%d)", int(a))
	}
}

// Connectivity is the host's network reachability. The zero value is
// "unknown", which counts as offline.
type Connectivity struct {
	IPv4 bool `json:"ipv4"`
	IPv6 bool `json:"ipv6"`
	// Presumed marks connectivity assumed online because it cannot be
	// detected on this platform.
	Presumed bool `json:"presumed,omitempty"`
}

// PresumeOnline is used where there is no way to detect connectivity.
func PresumeOnline() Connectivity {
	return Connectivity{IPv4: true, Presumed: true}
}

func (c Connectivity) IsOffline() bool {
	return !c.IPv4 && !c.IPv6
}

// Availability returns which families are usable, or false when offline.
func (c Connectivity) Availability() (IpAvailability, bool) {
	switch {
	case c.IPv4 && c.IPv6:
		return IPv4AndIPv6, true
	case c.IPv4:
		return IPv4, true
	case c.IPv6:
		return IPv6, true
	default:
		return 0, false
	}
}

func (c Connectivity) String() string {
	if c.Presumed {
		return "presumed online"
	}
	if a, ok := c.Availability(); ok {
		return "online (" + a.String() + ")"
	}
	return "offline"
}
