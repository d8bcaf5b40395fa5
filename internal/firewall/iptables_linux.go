//go:build linux

package firewall

import (
	"fmt"
	"sync"

	"github.com/coreos/go-iptables/iptables"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

const (
	filterTable = "filter"
	outputChain = "OUTPUT"
)

// iptablesClient is the subset of *iptables.IPTables used here.
type iptablesClient interface {
	ChainExists(table, chain string) (bool, error)
	ClearChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	Append(table, chain string, rulespec ...string) error
	Insert(table, chain string, pos int, rulespec ...string) error
	Exists(table, chain string, rulespec ...string) (bool, error)
	Delete(table, chain string, rulespec ...string) error
}

// IPTables enforces policies with two alternating chains per family. A new
// policy is written to the idle chain and hooked into OUTPUT before the old
// chain is unhooked, so there is never a moment without a filter in place.
type IPTables struct {
	opts    Options
	clients map[Family]iptablesClient

	mu     sync.Mutex
	active string
}

// New returns the iptables backend for both address families.
func New(opts Options) (*IPTables, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, &Error{Op: "init ipv4", Err: err}
	}
	v6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		return nil, &Error{Op: "init ipv6", Err: err}
	}
	return newIPTables(opts, map[Family]iptablesClient{IPv4: v4, IPv6: v6}), nil
}

func newIPTables(opts Options, clients map[Family]iptablesClient) *IPTables {
	return &IPTables{opts: opts.withDefaults(), clients: clients}
}

func (t *IPTables) chains() [2]string {
	return [2]string{t.opts.ChainPrefix + "-OUT-A", t.opts.ChainPrefix + "-OUT-B"}
}

func (t *IPTables) idle() string {
	c := t.chains()
	if t.active == c[0] {
		return c[1]
	}
	return c[0]
}

func (t *IPTables) ApplyPolicy(p policy.FirewallPolicy) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	staging := t.idle()
	rules := CompileRules(p, t.opts)

	for _, fam := range []Family{IPv4, IPv6} {
		ipt := t.clients[fam]
		if err := ipt.ClearChain(filterTable, staging); err != nil {
			return &Error{Op: fmt.Sprintf("prepare %s chain %s", fam, staging), Err: err}
		}
		for _, r := range rules {
			if r.Family != fam {
				continue
			}
			if err := ipt.Append(filterTable, staging, r.Spec...); err != nil {
				return &Error{Op: fmt.Sprintf("append %s rule %v", fam, r.Spec), Err: err}
			}
		}
		if err := ensureJump(ipt, staging); err != nil {
			return &Error{Op: fmt.Sprintf("hook %s chain %s", fam, staging), Err: err}
		}
	}

	for _, chain := range t.chains() {
		if chain == staging {
			continue
		}
		for _, fam := range []Family{IPv4, IPv6} {
			if err := removeChain(t.clients[fam], chain); err != nil {
				return &Error{Op: fmt.Sprintf("unhook %s chain %s", fam, chain), Err: err}
			}
		}
	}

	log.WithFields(log.Fields{
		"chain": staging,
		"rules": len(rules),
	}).Debug("Firewall chain swapped in")
	t.active = staging
	return nil
}

func (t *IPTables) ResetPolicy() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, chain := range t.chains() {
		for _, fam := range []Family{IPv4, IPv6} {
			if err := removeChain(t.clients[fam], chain); err != nil {
				return &Error{Op: fmt.Sprintf("remove %s chain %s", fam, chain), Err: err}
			}
		}
	}
	t.active = ""
	return nil
}

func ensureJump(ipt iptablesClient, chain string) error {
	exists, err := ipt.Exists(filterTable, outputChain, "-j", chain)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return ipt.Insert(filterTable, outputChain, 1, "-j", chain)
}

func removeChain(ipt iptablesClient, chain string) error {
	exists, err := ipt.ChainExists(filterTable, chain)
	if err != nil || !exists {
		return err
	}
	hooked, err := ipt.Exists(filterTable, outputChain, "-j", chain)
	if err != nil {
		return err
	}
	if hooked {
		if err := ipt.Delete(filterTable, outputChain, "-j", chain); err != nil {
			return err
		}
	}
	return ipt.ClearAndDeleteChain(filterTable, chain)
}
