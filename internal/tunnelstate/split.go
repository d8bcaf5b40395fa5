package tunnelstate

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

var (
	ErrInvalidExcludedPath    = errors.New("invalid excluded application path")
	ErrSplitTunnelUnsupported = errors.New("split tunneling is not available on this host")

	errNoFwmark = errors.New("no firewall mark configured for bypass sockets")
)

// SplitTunnel is told which applications bypass the tunnel and which
// addresses the tunnel currently has.
type SplitTunnel interface {
	SetExcludedPaths(paths []string) error
	SetTunnelAddresses(metadata *policy.TunnelMetadata) error
}

// noSplitTunnel stands in when the host has no way to exclude applications.
// It refuses every non-empty exclusion list.
type noSplitTunnel struct{}

func (noSplitTunnel) SetExcludedPaths(paths []string) error {
	if len(paths) > 0 {
		return ErrSplitTunnelUnsupported
	}
	return nil
}

func (noSplitTunnel) SetTunnelAddresses(*policy.TunnelMetadata) error { return nil }

// ValidateExcludedPaths checks that every path is absolute.
func ValidateExcludedPaths(paths []string) error {
	for _, path := range paths {
		if !filepath.IsAbs(path) {
			return fmt.Errorf("%w: %q is not absolute", ErrInvalidExcludedPath, path)
		}
	}
	return nil
}
