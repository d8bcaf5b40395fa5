//go:build linux || darwin

package tunnel

import (
	"errors"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/ipc"
)

// openUAPI exposes the device on the standard control socket so that wgctrl
// (and wg(8)) can read it.
func openUAPI(iface string, dev *device.Device) (io.Closer, error) {
	file, err := ipc.UAPIOpen(iface)
	if err != nil {
		return nil, err
	}
	listener, err := ipc.UAPIListen(iface, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	go func() {
		for {
			c, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.WithError(err).WithField("interface", iface).Debug("UAPI listener stopped")
				}
				return
			}
			go dev.IpcHandle(c)
		}
	}()
	return listener, nil
}
