//go:build linux

package routing

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

type fakeNetlink struct {
	links    map[string]netlink.Link
	table    []netlink.Route
	gateway  net.IP
	deleted  []string
	failDel  bool
	replaced int
}

func newFakeNetlink() *fakeNetlink {
	return &fakeNetlink{
		links: map[string]netlink.Link{
			"wg-vpnd": &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: "wg-vpnd", Index: 7}},
		},
		gateway: net.ParseIP("192.168.1.1"),
	}
}

func (f *fakeNetlink) LinkByName(name string) (netlink.Link, error) {
	if l, ok := f.links[name]; ok {
		return l, nil
	}
	return nil, errors.New("link not found")
}

func (f *fakeNetlink) RouteReplace(r *netlink.Route) error {
	f.replaced++
	for i, existing := range f.table {
		if existing.Dst.String() == r.Dst.String() {
			f.table[i] = *r
			return nil
		}
	}
	f.table = append(f.table, *r)
	return nil
}

func (f *fakeNetlink) RouteDel(r *netlink.Route) error {
	f.deleted = append(f.deleted, r.Dst.String())
	if f.failDel {
		return errors.New("no such process")
	}
	for i, existing := range f.table {
		if existing.Dst.String() == r.Dst.String() {
			f.table = append(f.table[:i], f.table[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeNetlink) RouteGet(net.IP) ([]netlink.Route, error) {
	return []netlink.Route{{Gw: f.gateway, LinkIndex: 2}}, nil
}

func (f *fakeNetlink) RouteListFiltered(_ int, filter *netlink.Route, _ uint64) ([]netlink.Route, error) {
	var out []netlink.Route
	for _, r := range f.table {
		if r.Dst.String() == filter.Dst.String() && r.LinkIndex == filter.LinkIndex {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestNetlinkManager_AddAndClearInReverse(t *testing.T) {
	fake := newFakeNetlink()
	m := &NetlinkManager{nl: fake}
	routes := TunnelRoutes("wg-vpnd", netip.MustParseAddr("185.65.135.1"), true, false)

	require.NoError(t, m.AddRoutes(context.Background(), routes))
	require.Len(t, fake.table, 3)
	assert.True(t, fake.table[0].Gw.Equal(fake.gateway), "peer route goes via the old gateway")
	assert.Equal(t, 7, fake.table[1].LinkIndex)

	require.NoError(t, m.ClearRoutes())
	assert.Equal(t, []string{"128.0.0.0/1", "0.0.0.0/1", "185.65.135.1/32"}, fake.deleted)
	assert.Empty(t, fake.table)

	fake.deleted = nil
	require.NoError(t, m.ClearRoutes())
	assert.Empty(t, fake.deleted)
}

func TestNetlinkManager_ClearReportsFirstError(t *testing.T) {
	fake := newFakeNetlink()
	m := &NetlinkManager{nl: fake}
	require.NoError(t, m.AddRoutes(context.Background(), TunnelRoutes("wg-vpnd", netip.Addr{}, true, false)))

	fake.failDel = true
	assert.Error(t, m.ClearRoutes())
	assert.Len(t, fake.deleted, 2, "every route is attempted")
}

func TestNetlinkManager_UnknownInterface(t *testing.T) {
	m := &NetlinkManager{nl: newFakeNetlink()}
	err := m.AddRoutes(context.Background(), []Route{{Destination: netip.MustParsePrefix("0.0.0.0/1"), Interface: "wg-missing"}})
	assert.Error(t, err)
}

func TestNetlinkManager_WaitForRoutes(t *testing.T) {
	fake := newFakeNetlink()
	m := &NetlinkManager{nl: fake}
	routes := TunnelRoutes("wg-vpnd", netip.MustParseAddr("185.65.135.1"), true, false)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	assert.Error(t, m.WaitForRoutes(ctx, routes))

	require.NoError(t, m.AddRoutes(context.Background(), routes))
	assert.NoError(t, m.WaitForRoutes(context.Background(), routes))
}

func TestNetlinkManager_RefreshRoutesFollowsGateway(t *testing.T) {
	fake := newFakeNetlink()
	m := &NetlinkManager{nl: fake}
	require.NoError(t, m.AddRoutes(context.Background(), TunnelRoutes("wg-vpnd", netip.MustParseAddr("185.65.135.1"), true, false)))

	fake.gateway = net.ParseIP("10.0.0.1")
	m.RefreshRoutes()
	assert.True(t, fake.table[0].Gw.Equal(fake.gateway))

	before := fake.replaced
	m.RefreshRoutes()
	assert.Equal(t, before, fake.replaced, "unchanged gateway is not rewritten")
}
