//go:build !linux

package firewall

// New has no backend outside Linux.
func New(opts Options) (Firewall, error) {
	return nil, ErrUnsupported
}
