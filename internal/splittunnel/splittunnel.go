// Package splittunnel keeps excluded applications out of the tunnel.
//
// On Linux every process running an excluded executable, and every process it
// starts, is moved into a net_cls cgroup. Packets from that cgroup carry the
// bypass fwmark, which the firewall always lets through, and are routed by a
// table holding only the host's own default routes.
package splittunnel

import (
	"errors"
	"path/filepath"
	"slices"
	"time"
)

var ErrUnsupported = errors.New("split tunneling not supported on this platform")

const (
	DefaultClassID    = 0x4d9f41
	DefaultTable      = 0x6d6f6c65
	DefaultCgroupRoot = "/sys/fs/cgroup/net_cls"
	DefaultProcRoot   = "/proc"

	defaultRescanInterval = 2 * time.Second
	cgroupName            = "vpnd-exclusions"
	// rulePriority sits well before the main table lookup (32766).
	rulePriority = 100
)

type Options struct {
	// Fwmark is put on excluded packets. It must match the firewall's mark.
	Fwmark uint32
	// ClassID tags the exclusion cgroup.
	ClassID uint32
	// Table is the routing table excluded packets are looked up in.
	Table int

	CgroupRoot     string
	ProcRoot       string
	RescanInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClassID == 0 {
		o.ClassID = DefaultClassID
	}
	if o.Table == 0 {
		o.Table = DefaultTable
	}
	if o.CgroupRoot == "" {
		o.CgroupRoot = DefaultCgroupRoot
	}
	if o.ProcRoot == "" {
		o.ProcRoot = DefaultProcRoot
	}
	if o.RescanInterval == 0 {
		o.RescanInterval = defaultRescanInterval
	}
	return o
}

// cleanPaths returns the set of cleaned paths.
func cleanPaths(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[filepath.Clean(p)] = struct{}{}
	}
	return set
}

func sortedPaths(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}
