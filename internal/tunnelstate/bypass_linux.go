//go:build linux

package tunnelstate

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func markSocket(fd int, mark uint32) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MARK, int(mark)); err != nil {
		return fmt.Errorf("set SO_MARK on fd %d: %w", fd, err)
	}
	return nil
}
