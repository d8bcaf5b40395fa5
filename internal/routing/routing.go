// Package routing installs and removes the routes a tunnel needs.
package routing

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

var (
	ErrUnsupported    = errors.New("route manager not supported on this platform")
	ErrNoDefaultRoute = errors.New("no default route")
)

// Route is a destination reached either through a named interface or through
// the host's current default gateway (Interface empty, Exclude set).
type Route struct {
	Destination netip.Prefix
	Interface   string
	// Exclude routes the destination via the pre-tunnel default gateway.
	Exclude bool
}

func (r Route) String() string {
	if r.Exclude {
		return fmt.Sprintf("%s via default gateway", r.Destination)
	}
	return fmt.Sprintf("%s dev %s", r.Destination, r.Interface)
}

// Manager is the route port.
type Manager interface {
	// AddRoutes installs routes and remembers them for ClearRoutes.
	AddRoutes(ctx context.Context, routes []Route) error
	// ClearRoutes removes every route added since the last clear.
	ClearRoutes() error
	// RefreshRoutes re-reads the default gateway, e.g. after losing connectivity.
	RefreshRoutes()
	// WaitForRoutes blocks until every route is visible in the kernel table.
	WaitForRoutes(ctx context.Context, routes []Route) error
}

// TunnelRoutes returns the split default routes through iface for the given
// families plus an exclusion for the peer so handshakes never loop into the
// tunnel.
func TunnelRoutes(iface string, peer netip.Addr, ipv4, ipv6 bool) []Route {
	var routes []Route
	if ipv4 {
		routes = append(routes,
			Route{Destination: netip.MustParsePrefix("0.0.0.0/1"), Interface: iface},
			Route{Destination: netip.MustParsePrefix("128.0.0.0/1"), Interface: iface},
		)
	}
	if ipv6 {
		routes = append(routes,
			Route{Destination: netip.MustParsePrefix("::/1"), Interface: iface},
			Route{Destination: netip.MustParsePrefix("8000::/1"), Interface: iface},
		)
	}
	if peer.IsValid() {
		peer = peer.Unmap()
		routes = append([]Route{{Destination: netip.PrefixFrom(peer, peer.BitLen()), Exclude: true}}, routes...)
	}
	return routes
}

const waitPollInterval = 100 * time.Millisecond

// waitFor polls present until it reports true or ctx ends.
func waitFor(ctx context.Context, present func() (bool, error)) error {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		ok, err := present()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for routes: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
