package firewall

import (
	"fmt"
	"net/netip"
	"strconv"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

// Family is the IP family a rule belongs to.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// Rule is one iptables rule specification for the output chain.
type Rule struct {
	Family Family
	Spec   []string
}

const (
	dhcpv4ServerPort = 67
	dhcpv4ClientPort = 68
	dhcpv6ServerPort = 547
	dhcpv6ClientPort = 546
)

var (
	dhcpv6Servers = []netip.Addr{
		netip.MustParseAddr("ff02::1:2"),
		netip.MustParseAddr("ff05::1:3"),
	}
	routerSolicitationDest = netip.MustParseAddr("ff02::2")
)

type ruleSet struct {
	rules []Rule
}

func (r *ruleSet) add(fam Family, spec ...string) {
	r.rules = append(r.rules, Rule{Family: fam, Spec: spec})
}

func (r *ruleSet) both(spec ...string) {
	r.add(IPv4, spec...)
	r.add(IPv6, spec...)
}

func familyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

// CompileRules translates a policy into output chain rules, in order. The
// last rule of each family drops whatever was not accepted before it.
func CompileRules(p policy.FirewallPolicy, opts Options) []Rule {
	var rs ruleSet

	rs.both("-o", "lo", "-j", "ACCEPT")
	if opts.Fwmark != 0 {
		rs.both("-m", "mark", "--mark", fmt.Sprintf("0x%x", opts.Fwmark), "-j", "ACCEPT")
	}
	addDhcp(&rs)

	tun, hasTunnel := p.Tunnel()
	// DNS pinning precedes every destination accept so a LAN resolver can
	// not be reached through the LAN rules.
	if connected, ok := p.(policy.ConnectedPolicy); ok && hasTunnel {
		addDns(&rs, tun.Interface, connected.Dns)
	}

	if peer, ok := p.PeerEndpoint(); ok {
		addEndpoint(&rs, peer)
	}
	if allowed, ok := p.AllowedEndpoint(); ok {
		addEndpoint(&rs, allowed)
	}
	if p.AllowLan() {
		addLan(&rs)
	}

	if hasTunnel {
		addTunnelTraffic(&rs, tun.Interface, p.AllowedTunnelTraffic())
	}

	rs.both("-j", "DROP")
	return rs.rules
}

func addDhcp(rs *ruleSet) {
	rs.add(IPv4, "-p", "udp", "--sport", strconv.Itoa(dhcpv4ClientPort), "--dport", strconv.Itoa(dhcpv4ServerPort), "-j", "ACCEPT")
	for _, server := range dhcpv6Servers {
		rs.add(IPv6, "-p", "udp", "-s", "fe80::/10", "-d", server.String(),
			"--sport", strconv.Itoa(dhcpv6ClientPort), "--dport", strconv.Itoa(dhcpv6ServerPort), "-j", "ACCEPT")
	}
	rs.add(IPv6, "-p", "ipv6-icmp", "-d", routerSolicitationDest.String(), "--icmpv6-type", "router-solicitation", "-j", "ACCEPT")
	rs.add(IPv6, "-p", "ipv6-icmp", "--icmpv6-type", "neighbour-solicitation", "-j", "ACCEPT")
	rs.add(IPv6, "-p", "ipv6-icmp", "--icmpv6-type", "neighbour-advertisement", "-j", "ACCEPT")
}

func addEndpoint(rs *ruleSet, ep policy.AllowedEndpoint) {
	addr := ep.Endpoint.Address
	spec := []string{
		"-d", addr.Addr().Unmap().String(),
		"-p", string(ep.Endpoint.Protocol),
		"--dport", strconv.Itoa(int(addr.Port())),
	}
	if ep.Clients == policy.AllowedClientsRoot {
		spec = append(spec, "-m", "owner", "--uid-owner", "0")
	}
	spec = append(spec, "-j", "ACCEPT")
	rs.add(familyOf(addr.Addr()), spec...)
}

func addLan(rs *ruleSet) {
	for _, set := range [][]netip.Prefix{policy.AllowedLanNets, policy.AllowedLanMulticastNets} {
		for _, net := range set {
			rs.add(familyOf(net.Addr()), "-d", net.String(), "-j", "ACCEPT")
		}
	}
}

// addDns pins DNS to the resolved servers: tunnel servers only over the
// tunnel interface, non-tunnel servers anywhere, everything else rejected.
func addDns(rs *ruleSet, iface string, cfg policy.ResolvedDnsConfig) {
	for _, server := range cfg.Tunnel {
		for _, proto := range []string{"udp", "tcp"} {
			rs.add(familyOf(server), "-o", iface, "-d", server.String(), "-p", proto, "--dport", "53", "-j", "ACCEPT")
		}
	}
	for _, server := range cfg.NonTunnel {
		for _, proto := range []string{"udp", "tcp"} {
			rs.add(familyOf(server), "-d", server.String(), "-p", proto, "--dport", "53", "-j", "ACCEPT")
		}
	}
	for _, proto := range []string{"udp", "tcp"} {
		rs.both("-p", proto, "--dport", "53", "-j", "DROP")
	}
}

func addTunnelTraffic(rs *ruleSet, iface string, traffic policy.AllowedTunnelTraffic) {
	switch {
	case traffic.IsAll():
		rs.both("-o", iface, "-j", "ACCEPT")
	case traffic.IsNone():
	default:
		for _, ep := range traffic.Endpoints() {
			addr := ep.Address
			rs.add(familyOf(addr.Addr()), "-o", iface,
				"-d", addr.Addr().Unmap().String(),
				"-p", string(ep.Protocol),
				"--dport", strconv.Itoa(int(addr.Port())),
				"-j", "ACCEPT")
		}
	}
}
