//go:build !linux && !darwin

package tunnel

import (
	"errors"
	"io"

	"golang.zx2c4.com/wireguard/device"
)

func openUAPI(string, *device.Device) (io.Closer, error) {
	return nil, errors.New("uapi socket not supported on this platform")
}
