//go:build linux

package splittunnel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

// router is the packet marking and routing half of the exclusion.
type router interface {
	syncRoutes() error
	remove() error
}

// Excluder enforces the excluded application list.
type Excluder struct {
	interval time.Duration
	procRoot string
	cgroup   cgroup
	router   router

	// scanMu serialises classification passes.
	scanMu sync.Mutex

	mu     sync.Mutex
	paths  map[string]struct{}
	closed bool
}

// New sets up the exclusion cgroup and routing. It fails with
// ErrUnsupported when the host has no net_cls controller.
func New(opts Options) (*Excluder, error) {
	opts = opts.withDefaults()
	if opts.Fwmark == 0 {
		return nil, errors.New("split tunneling needs a firewall mark")
	}
	cg, err := openNetCls(opts.CgroupRoot, cgroupName, opts.ClassID)
	if err != nil {
		return nil, err
	}
	r, err := newMarkRouter(opts)
	if err != nil {
		return nil, err
	}
	if err := r.install(); err != nil {
		_ = r.remove()
		return nil, err
	}
	return newExcluder(opts, cg, r), nil
}

func newExcluder(opts Options, cg cgroup, r router) *Excluder {
	return &Excluder{
		interval: opts.RescanInterval,
		procRoot: opts.ProcRoot,
		cgroup:   cg,
		router:   r,
		paths:    map[string]struct{}{},
	}
}

// SetExcludedPaths replaces the excluded executables and moves running
// processes accordingly before returning.
func (e *Excluder) SetExcludedPaths(paths []string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.New("split tunnel is closed")
	}
	e.paths = cleanPaths(paths)
	sorted := sortedPaths(e.paths)
	e.mu.Unlock()

	log.WithField("paths", sorted).Info("Updating excluded applications")
	return e.classify()
}

// SetTunnelAddresses refreshes the bypass routes whenever the tunnel comes
// up, since the host's default route may have changed while it was down.
func (e *Excluder) SetTunnelAddresses(metadata *policy.TunnelMetadata) error {
	if metadata == nil {
		return nil
	}
	if err := e.router.syncRoutes(); err != nil {
		return fmt.Errorf("sync bypass routes for %s: %w", metadata.Interface, err)
	}
	return nil
}

// Start rescans processes until ctx is done, picking up excluded
// applications launched after the last change.
func (e *Excluder) Start(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := e.classify(); err != nil {
			log.WithError(err).Warn("Failed to classify excluded processes")
		}
		if err := e.router.syncRoutes(); err != nil {
			log.WithError(err).Warn("Failed to refresh bypass routes")
		}
	}
}

// Close releases every excluded process and removes the marking and routing.
func (e *Excluder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.scanMu.Lock()
	defer e.scanMu.Unlock()
	return errors.Join(e.cgroup.destroy(), e.router.remove())
}

func (e *Excluder) classify() error {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	paths := maps.Clone(e.paths)
	e.mu.Unlock()

	procs, err := scanProcs(e.procRoot)
	if err != nil {
		return err
	}
	want := excludedPids(procs, paths)
	current, err := e.cgroup.procs()
	if err != nil {
		return fmt.Errorf("list excluded processes: %w", err)
	}

	var errs []error
	for pid := range want {
		if current[pid] {
			continue
		}
		if err := e.cgroup.add(pid); err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("exclude pid %d: %w", pid, err))
			continue
		}
		log.WithFields(log.Fields{"pid": pid, "exe": procs[pid].exe}).Debug("Excluded process from tunnel")
	}
	for pid := range current {
		if want[pid] {
			continue
		}
		if err := e.cgroup.remove(pid); err != nil && !isGone(err) {
			errs = append(errs, fmt.Errorf("release pid %d: %w", pid, err))
			continue
		}
		log.WithField("pid", pid).Debug("Returned process to tunnel")
	}
	return errors.Join(errs...)
}
