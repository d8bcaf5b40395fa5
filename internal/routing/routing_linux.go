//go:build linux

package routing

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// netlinkOps is the subset of netlink used by NetlinkManager.
type netlinkOps interface {
	LinkByName(name string) (netlink.Link, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	RouteGet(dst net.IP) ([]netlink.Route, error)
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
}

type realNetlink struct{}

func (realNetlink) LinkByName(name string) (netlink.Link, error) { return netlink.LinkByName(name) }
func (realNetlink) RouteReplace(r *netlink.Route) error          { return netlink.RouteReplace(r) }
func (realNetlink) RouteDel(r *netlink.Route) error              { return netlink.RouteDel(r) }
func (realNetlink) RouteGet(dst net.IP) ([]netlink.Route, error) { return netlink.RouteGet(dst) }
func (realNetlink) RouteListFiltered(family int, filter *netlink.Route, mask uint64) ([]netlink.Route, error) {
	return netlink.RouteListFiltered(family, filter, mask)
}

// NetlinkManager manages routes with rtnetlink.
type NetlinkManager struct {
	nl netlinkOps

	mu    sync.Mutex
	added []netlink.Route
}

func NewManager() *NetlinkManager {
	return &NetlinkManager{nl: realNetlink{}}
}

func toIPNet(p netip.Prefix) *net.IPNet {
	p = p.Masked()
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}

func (m *NetlinkManager) resolve(r Route) (netlink.Route, error) {
	dst := toIPNet(r.Destination)
	if r.Exclude {
		// Ask the kernel how the destination is reached right now; that is
		// the path outside the tunnel as long as no tunnel routes exist yet.
		found, err := m.nl.RouteGet(dst.IP)
		if err != nil {
			return netlink.Route{}, fmt.Errorf("lookup route to %s: %w", r.Destination, err)
		}
		if len(found) == 0 {
			return netlink.Route{}, fmt.Errorf("%w for %s", ErrNoDefaultRoute, r.Destination)
		}
		return netlink.Route{Dst: dst, Gw: found[0].Gw, LinkIndex: found[0].LinkIndex}, nil
	}
	link, err := m.nl.LinkByName(r.Interface)
	if err != nil {
		return netlink.Route{}, fmt.Errorf("find interface %s: %w", r.Interface, err)
	}
	return netlink.Route{Dst: dst, LinkIndex: link.Attrs().Index, Scope: netlink.SCOPE_LINK}, nil
}

func (m *NetlinkManager) AddRoutes(ctx context.Context, routes []Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range routes {
		if err := ctx.Err(); err != nil {
			return err
		}
		nr, err := m.resolve(r)
		if err != nil {
			return err
		}
		if err := m.nl.RouteReplace(&nr); err != nil {
			return fmt.Errorf("add route %s: %w", r, err)
		}
		m.added = append(m.added, nr)
		log.WithField("route", r.String()).Debug("Added route")
	}
	return nil
}

func (m *NetlinkManager) ClearRoutes() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for i := len(m.added) - 1; i >= 0; i-- {
		r := m.added[i]
		if err := m.nl.RouteDel(&r); err != nil {
			log.WithError(err).WithField("route", r.Dst.String()).Warn("Failed to remove route")
			if firstErr == nil {
				firstErr = fmt.Errorf("remove route %s: %w", r.Dst, err)
			}
		}
	}
	m.added = nil
	return firstErr
}

func (m *NetlinkManager) RefreshRoutes() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.added {
		if r.Gw == nil {
			continue
		}
		found, err := m.nl.RouteGet(r.Dst.IP)
		if err != nil || len(found) == 0 {
			log.WithError(err).WithField("route", r.Dst.String()).Debug("No path for exclusion route")
			continue
		}
		if found[0].Gw.Equal(r.Gw) && found[0].LinkIndex == r.LinkIndex {
			continue
		}
		updated := netlink.Route{Dst: r.Dst, Gw: found[0].Gw, LinkIndex: found[0].LinkIndex}
		if err := m.nl.RouteReplace(&updated); err != nil {
			log.WithError(err).WithField("route", r.Dst.String()).Warn("Failed to refresh exclusion route")
			continue
		}
		m.added[i] = updated
	}
}

func (m *NetlinkManager) WaitForRoutes(ctx context.Context, routes []Route) error {
	return waitFor(ctx, func() (bool, error) {
		for _, r := range routes {
			if r.Exclude {
				continue
			}
			link, err := m.nl.LinkByName(r.Interface)
			if err != nil {
				return false, nil
			}
			family := netlink.FAMILY_V4
			if r.Destination.Addr().Is6() {
				family = netlink.FAMILY_V6
			}
			filter := &netlink.Route{Dst: toIPNet(r.Destination), LinkIndex: link.Attrs().Index}
			found, err := m.nl.RouteListFiltered(family, filter, netlink.RT_FILTER_DST|netlink.RT_FILTER_OIF)
			if err != nil {
				return false, fmt.Errorf("list routes: %w", err)
			}
			if len(found) == 0 {
				return false, nil
			}
		}
		return true, nil
	})
}
