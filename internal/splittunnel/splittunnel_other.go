//go:build !linux

package splittunnel

import (
	"context"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
)

// Excluder is unavailable on this platform; New always fails.
type Excluder struct{}

func New(Options) (*Excluder, error) {
	return nil, ErrUnsupported
}

func (*Excluder) SetExcludedPaths([]string) error                 { return ErrUnsupported }
func (*Excluder) SetTunnelAddresses(*policy.TunnelMetadata) error { return ErrUnsupported }
func (*Excluder) Start(ctx context.Context) error                 { return ErrUnsupported }
func (*Excluder) Close() error                                    { return nil }
