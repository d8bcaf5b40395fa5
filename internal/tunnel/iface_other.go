//go:build !linux

package tunnel

import (
	"errors"
	"net/netip"
)

func configureInterface(string, []netip.Prefix, int) error {
	return errors.New("interface configuration not supported on this platform")
}
