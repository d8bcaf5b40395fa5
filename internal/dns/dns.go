// Package dns points the host resolver at the tunnel's DNS servers.
package dns

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"

	mdns "github.com/miekg/dns"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

const (
	DefaultResolvConfPath = "/etc/resolv.conf"
	backupSuffix          = ".vpnd-backup"
	// absentSuffix marks that no resolver file existed before the first Set.
	absentSuffix    = ".vpnd-absent"
	generatedHeader = "# Generated by vpnd. The original is restored on disconnect."
)

var ErrNoServers = errors.New("no DNS servers to configure")

// Monitor is the port the state machine uses for DNS.
type Monitor interface {
	Set(iface string, cfg policy.ResolvedDnsConfig) error
	Reset() error
}

// ResolvConf manages a resolv.conf style file. The original content is kept in
// memory and in a backup file next to it so that a crashed run can be undone.
type ResolvConf struct {
	path string

	mu       sync.Mutex
	original []byte
	existed  bool
	active   bool
	servers  []netip.Addr
}

func NewResolvConf(path string) *ResolvConf {
	if path == "" {
		path = DefaultResolvConfPath
	}
	return &ResolvConf{path: path}
}

func (r *ResolvConf) backupPath() string { return r.path + backupSuffix }
func (r *ResolvConf) absentPath() string { return r.path + absentSuffix }

// RestoreStale puts back a backup left behind by a previous run.
func (r *ResolvConf) RestoreStale() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	backup, err := os.ReadFile(r.backupPath())
	if errors.Is(err, os.ErrNotExist) {
		if _, statErr := os.Stat(r.absentPath()); statErr != nil {
			return nil
		}
		log.WithField("path", r.path).Warn("Removing DNS configuration left by a previous run")
		if err := removeIfExists(r.path); err != nil {
			return fmt.Errorf("remove stale %s: %w", r.path, err)
		}
		return removeIfExists(r.absentPath())
	}
	if err != nil {
		return fmt.Errorf("read dns backup: %w", err)
	}
	log.WithField("path", r.path).Warn("Restoring DNS configuration left by a previous run")
	if err := writeFileAtomic(r.path, backup); err != nil {
		return fmt.Errorf("restore dns backup: %w", err)
	}
	return os.Remove(r.backupPath())
}

func (r *ResolvConf) Set(iface string, cfg policy.ResolvedDnsConfig) error {
	servers := cfg.All()
	if len(servers) == 0 {
		return ErrNoServers
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		original, err := os.ReadFile(r.path)
		existed := err == nil
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read %s: %w", r.path, err)
		}
		if existed {
			err = writeFileAtomic(r.backupPath(), original)
		} else {
			err = os.WriteFile(r.absentPath(), nil, 0o644)
		}
		if err != nil {
			return fmt.Errorf("write dns backup: %w", err)
		}
		r.original = original
		r.existed = existed
		logOriginal(original)
	}

	search := searchDomains(r.original)
	if err := writeFileAtomic(r.path, Render(servers, search)); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	r.active = true
	r.servers = servers

	log.WithFields(log.Fields{
		"interface": iface,
		"servers":   servers,
	}).Info("Set DNS servers")
	return nil
}

func (r *ResolvConf) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.active {
		return nil
	}
	if r.existed {
		if err := writeFileAtomic(r.path, r.original); err != nil {
			return fmt.Errorf("restore %s: %w", r.path, err)
		}
		if err := removeIfExists(r.backupPath()); err != nil {
			return fmt.Errorf("remove dns backup: %w", err)
		}
	} else {
		if err := removeIfExists(r.path); err != nil {
			return fmt.Errorf("remove %s: %w", r.path, err)
		}
		if err := removeIfExists(r.absentPath()); err != nil {
			return fmt.Errorf("remove dns backup: %w", err)
		}
	}
	r.active = false
	r.servers = nil
	r.original = nil
	r.existed = false
	log.Info("Reset DNS configuration")
	return nil
}

// Servers returns the servers currently written, if any.
func (r *ResolvConf) Servers() []netip.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netip.Addr(nil), r.servers...)
}

// Render produces resolv.conf content for the given servers.
func Render(servers []netip.Addr, search []string) []byte {
	var b bytes.Buffer
	b.WriteString(generatedHeader + "\n")
	for _, s := range servers {
		fmt.Fprintf(&b, "nameserver %s\n", s)
	}
	if len(search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(search, " "))
	}
	return b.Bytes()
}

func parse(content []byte) (*mdns.ClientConfig, error) {
	return mdns.ClientConfigFromReader(bytes.NewReader(content))
}

func searchDomains(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	cfg, err := parse(content)
	if err != nil {
		return nil
	}
	return cfg.Search
}

func logOriginal(content []byte) {
	if len(content) == 0 {
		return
	}
	cfg, err := parse(content)
	if err != nil {
		log.WithError(err).Debug("Could not parse original resolver configuration")
		return
	}
	log.WithField("servers", cfg.Servers).Debug("Saved original resolver configuration")
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeFileAtomic(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
