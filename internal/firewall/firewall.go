// Package firewall applies policy.FirewallPolicy values to the host packet
// filter.
package firewall

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

var ErrUnsupported = errors.New("firewall backend not supported on this platform")

// Firewall is the port the tunnel state machine drives. Applying an equal
// policy twice must leave the host in the same state as applying it once.
type Firewall interface {
	ApplyPolicy(p policy.FirewallPolicy) error
	ResetPolicy() error
}

// Options configure a firewall backend.
type Options struct {
	// Fwmark is the socket mark that always passes the filter. Zero disables it.
	Fwmark uint32
	// ChainPrefix names the chains owned by this process.
	ChainPrefix string
}

func (o Options) withDefaults() Options {
	if o.ChainPrefix == "" {
		o.ChainPrefix = "VPND"
	}
	return o
}

// Error wraps a backend failure with the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("firewall %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Logged decorates a Firewall with the log lines every backend wants and
// remembers the policy currently in force.
type Logged struct {
	inner Firewall

	mu      sync.Mutex
	current policy.FirewallPolicy
}

func NewLogged(inner Firewall) *Logged {
	return &Logged{inner: inner}
}

func (l *Logged) ApplyPolicy(p policy.FirewallPolicy) error {
	log.Infof("Applying firewall policy: %s", p)
	if err := l.inner.ApplyPolicy(p); err != nil {
		log.WithError(err).Error("Failed to apply firewall policy")
		return err
	}
	l.mu.Lock()
	l.current = p
	l.mu.Unlock()
	return nil
}

func (l *Logged) ResetPolicy() error {
	log.Info("Resetting firewall policy")
	if err := l.inner.ResetPolicy(); err != nil {
		log.WithError(err).Error("Failed to reset firewall policy")
		return err
	}
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
	return nil
}

// Current returns the last successfully applied policy, or nil after a reset.
func (l *Logged) Current() policy.FirewallPolicy {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Nop accepts every policy without touching the host. It backs -no-firewall
// runs and unsupported platforms in development.
type Nop struct{}

func (Nop) ApplyPolicy(policy.FirewallPolicy) error { return nil }
func (Nop) ResetPolicy() error                      { return nil }
