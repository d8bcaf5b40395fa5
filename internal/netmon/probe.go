//go:build !linux

package netmon

import (
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
)

// probeConnectivity treats a family as available when an up, non-loopback
// interface other than the excluded one holds a global unicast address of it.
func probeConnectivity(exclude string) Connectivity {
	interfaces, err := net.Interfaces()
	if err != nil {
		log.Errorf("Error getting network interfaces: %v", err)
		return Connectivity{}
	}

	var c Connectivity
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 || iface.Name == exclude {
			log.WithField("interface", iface.Name).Trace("Skipping interface")
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			log.Errorf("Error getting addresses for interface %s: %v", iface.Name, err)
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok || !ip.Unmap().IsGlobalUnicast() {
				continue
			}
			if ip.Unmap().Is4() {
				c.IPv4 = true
			} else if !ip.IsPrivate() {
				c.IPv6 = true
			}
		}
	}
	return c
}
