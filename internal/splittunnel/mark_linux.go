//go:build linux

package splittunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	mangleTable = "mangle"
	natTable    = "nat"
)

// iptablesClient is the subset of *iptables.IPTables used here.
type iptablesClient interface {
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
}

// netlinkOps is the subset of netlink used by markRouter.
type netlinkOps interface {
	RuleAdd(rule *netlink.Rule) error
	RuleDel(rule *netlink.Rule) error
	RouteListFiltered(family int, filter *netlink.Route, filterMask uint64) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

type realNetlink struct{}

func (realNetlink) RuleAdd(r *netlink.Rule) error { return netlink.RuleAdd(r) }
func (realNetlink) RuleDel(r *netlink.Rule) error { return netlink.RuleDel(r) }
func (realNetlink) RouteListFiltered(family int, filter *netlink.Route, mask uint64) ([]netlink.Route, error) {
	return netlink.RouteListFiltered(family, filter, mask)
}
func (realNetlink) RouteReplace(r *netlink.Route) error { return netlink.RouteReplace(r) }
func (realNetlink) RouteDel(r *netlink.Route) error     { return netlink.RouteDel(r) }

var families = []int{netlink.FAMILY_V4, netlink.FAMILY_V6}

// markRouter marks packets of the exclusion cgroup and routes marked packets
// around the tunnel.
type markRouter struct {
	classID uint32
	fwmark  uint32
	table   int
	ipt     map[int]iptablesClient
	nl      netlinkOps

	mu     sync.Mutex
	copied []netlink.Route
}

func newMarkRouter(opts Options) (*markRouter, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("init iptables: %w", err)
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, fmt.Errorf("init ip6tables: %w", err)
	}
	return &markRouter{
		classID: opts.ClassID,
		fwmark:  opts.Fwmark,
		table:   opts.Table,
		ipt:     map[int]iptablesClient{netlink.FAMILY_V4: v4, netlink.FAMILY_V6: v6},
		nl:      realNetlink{},
	}, nil
}

func (m *markRouter) markRule() []string {
	return []string{
		"-m", "cgroup", "--cgroup", fmt.Sprintf("0x%x", m.classID),
		"-j", "MARK", "--set-mark", fmt.Sprintf("0x%x", m.fwmark),
	}
}

// masqueradeRule rewrites the source of marked packets, which were addressed
// while the tunnel route was still chosen.
func (m *markRouter) masqueradeRule() []string {
	return []string{"-m", "mark", "--mark", fmt.Sprintf("0x%x", m.fwmark), "-j", "MASQUERADE"}
}

func (m *markRouter) rule(family int) *netlink.Rule {
	rule := netlink.NewRule()
	rule.Family = family
	rule.Mark = m.fwmark
	rule.Table = m.table
	rule.Priority = rulePriority
	return rule
}

// install adds the marking, masquerading and policy routing rules. Adding
// them again is harmless.
func (m *markRouter) install() error {
	for _, family := range families {
		ipt := m.ipt[family]
		if err := ipt.AppendUnique(mangleTable, "OUTPUT", m.markRule()...); err != nil {
			return fmt.Errorf("add mark rule: %w", err)
		}
		if err := ipt.AppendUnique(natTable, "POSTROUTING", m.masqueradeRule()...); err != nil {
			return fmt.Errorf("add masquerade rule: %w", err)
		}
		if err := m.nl.RuleAdd(m.rule(family)); err != nil && !errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("add routing rule: %w", err)
		}
	}
	log.WithFields(log.Fields{
		"fwmark": fmt.Sprintf("0x%x", m.fwmark),
		"table":  m.table,
	}).Debug("Installed split tunnel routing")
	return m.syncRoutes()
}

// syncRoutes mirrors the main table's default routes into the bypass table.
// The tunnel only adds narrower routes, so these are the host's own.
func (m *markRouter) syncRoutes() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var want []netlink.Route
	for _, family := range families {
		routes, err := m.nl.RouteListFiltered(family, &netlink.Route{Table: unix.RT_TABLE_MAIN}, netlink.RT_FILTER_TABLE)
		if err != nil {
			return fmt.Errorf("list routes: %w", err)
		}
		for _, r := range routes {
			if !isDefault(r) {
				continue
			}
			want = append(want, netlink.Route{
				Family:    family,
				Dst:       defaultDst(family),
				Gw:        r.Gw,
				LinkIndex: r.LinkIndex,
				Priority:  r.Priority,
				Table:     m.table,
			})
		}
	}

	var errs []error
	for _, r := range want {
		if err := m.nl.RouteReplace(&r); err != nil {
			errs = append(errs, fmt.Errorf("add bypass route via %s: %w", r.Gw, err))
		}
	}
	for _, old := range m.copied {
		if containsRoute(want, old) {
			continue
		}
		if err := m.nl.RouteDel(&old); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("remove bypass route via %s: %w", old.Gw, err))
		}
	}
	m.copied = want
	return errors.Join(errs...)
}

// remove undoes install.
func (m *markRouter) remove() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, r := range m.copied {
		if err := m.nl.RouteDel(&r); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("remove bypass route: %w", err))
		}
	}
	m.copied = nil
	for _, family := range families {
		if err := m.nl.RuleDel(m.rule(family)); err != nil && !errors.Is(err, unix.ENOENT) {
			errs = append(errs, fmt.Errorf("remove routing rule: %w", err))
		}
		ipt := m.ipt[family]
		if err := ipt.DeleteIfExists(natTable, "POSTROUTING", m.masqueradeRule()...); err != nil {
			errs = append(errs, fmt.Errorf("remove masquerade rule: %w", err))
		}
		if err := ipt.DeleteIfExists(mangleTable, "OUTPUT", m.markRule()...); err != nil {
			errs = append(errs, fmt.Errorf("remove mark rule: %w", err))
		}
	}
	return errors.Join(errs...)
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func defaultDst(family int) *net.IPNet {
	if family == netlink.FAMILY_V6 {
		return &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(0, 128)}
	}
	return &net.IPNet{IP: net.IPv4zero.To4(), Mask: net.CIDRMask(0, 32)}
}

func containsRoute(routes []netlink.Route, r netlink.Route) bool {
	for _, other := range routes {
		if other.Family == r.Family && other.LinkIndex == r.LinkIndex &&
			other.Priority == r.Priority && other.Gw.Equal(r.Gw) {
			return true
		}
	}
	return false
}
