package policy

import (
	"net/netip"
)

var (
	// AllowedLanNets are the private and link local ranges reachable when
	// LAN access is allowed.
	AllowedLanNets = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("fe80::/10"),
		netip.MustParsePrefix("fc00::/7"),
	}

	// AllowedLanMulticastNets are the local multicast ranges reachable when
	// LAN access is allowed (SSDP, mDNS and scoped IPv6 multicast).
	AllowedLanMulticastNets = []netip.Prefix{
		netip.MustParsePrefix("224.0.0.0/24"),
		netip.MustParsePrefix("239.255.255.250/32"),
		netip.MustParsePrefix("239.255.255.251/32"),
		netip.MustParsePrefix("ff01::/16"),
		netip.MustParsePrefix("ff02::/16"),
		netip.MustParsePrefix("ff03::/16"),
		netip.MustParsePrefix("ff04::/16"),
		netip.MustParsePrefix("ff05::/16"),
	}

	LoopbackNets = []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	}
)

// IsLocalAddress reports whether addr is loopback, LAN or local multicast.
func IsLocalAddress(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, set := range [][]netip.Prefix{LoopbackNets, AllowedLanNets, AllowedLanMulticastNets} {
		for _, p := range set {
			if p.Contains(addr) {
				return true
			}
		}
	}
	return false
}
