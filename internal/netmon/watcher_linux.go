//go:build linux

package netmon

import (
	"context"
	"errors"
	"net"
	"net/netip"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

type linuxWatcher struct{}

// NewWatcher creates a Linux-specific watcher using netlink.
func NewWatcher() Watcher {
	return &linuxWatcher{}
}

func (w *linuxWatcher) Start(ctx context.Context, callback func()) error {
	linkCh := make(chan netlink.LinkUpdate)
	linkDone := make(chan struct{})
	defer close(linkDone)

	addrCh := make(chan netlink.AddrUpdate)
	addrDone := make(chan struct{})
	defer close(addrDone)

	routeCh := make(chan netlink.RouteUpdate)
	routeDone := make(chan struct{})
	defer close(routeDone)

	if err := netlink.LinkSubscribe(linkCh, linkDone); err != nil {
		return err
	}
	if err := netlink.AddrSubscribe(addrCh, addrDone); err != nil {
		return err
	}
	if err := netlink.RouteSubscribe(routeCh, routeDone); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-linkCh:
			if !ok {
				return errors.New("netlink link subscription closed")
			}
			log.WithField("interface", update.Link.Attrs().Name).Trace("Link changed")
			callback()

		case update, ok := <-addrCh:
			if !ok {
				return errors.New("netlink address subscription closed")
			}
			log.WithField("address", update.LinkAddress.String()).Trace("Address changed")
			callback()

		case update, ok := <-routeCh:
			if !ok {
				return errors.New("netlink route subscription closed")
			}
			if isDefaultRoute(update.Route) {
				log.WithField("link", update.Route.LinkIndex).Trace("Default route changed")
				callback()
			}
		}
	}
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

// probeConnectivity looks for a default route per family on an interface
// that is up and is not the excluded (tunnel) interface.
func probeConnectivity(exclude string) Connectivity {
	return Connectivity{
		IPv4: hasDefaultRoute(netlink.FAMILY_V4, exclude),
		IPv6: hasDefaultRoute(netlink.FAMILY_V6, exclude),
	}
}

func hasDefaultRoute(family int, exclude string) bool {
	routes, err := netlink.RouteList(nil, family)
	if err != nil {
		log.WithError(err).Warn("Failed to list routes")
		return false
	}
	for _, r := range routes {
		if !isDefaultRoute(r) {
			continue
		}
		link, err := netlink.LinkByIndex(r.LinkIndex)
		if err != nil {
			continue
		}
		attrs := link.Attrs()
		if attrs.Name == exclude || attrs.Flags&net.FlagUp == 0 || attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if family == netlink.FAMILY_V6 && !hasGlobalAddress(link, netlink.FAMILY_V6) {
			continue
		}
		return true
	}
	return false
}

func hasGlobalAddress(link netlink.Link, family int) bool {
	addrs, err := netlink.AddrList(link, family)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ip, ok := netip.AddrFromSlice(a.IP); ok && ip.IsGlobalUnicast() && !ip.IsPrivate() {
			return true
		}
	}
	return false
}
