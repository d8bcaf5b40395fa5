//go:build !linux

package tunnelstate

import "errors"

func markSocket(fd int, mark uint32) error {
	return errors.New("socket bypass is not supported on this platform")
}
