//go:build darwin

package netmon

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Routing message types that can change reachability.
const (
	rtmAdd     = 0x01 // RTM_ADD
	rtmDelete  = 0x02 // RTM_DELETE
	rtmChange  = 0x03 // RTM_CHANGE
	rtmNewAddr = 0x0c // RTM_NEWADDR
	rtmDelAddr = 0x0d // RTM_DELADDR
	rtmIfInfo  = 0x0e // RTM_IFINFO
)

type darwinWatcher struct{}

// NewWatcher creates a macOS-specific watcher using AF_ROUTE sockets.
func NewWatcher() Watcher {
	return &darwinWatcher{}
}

func (w *darwinWatcher) Start(ctx context.Context, callback func()) error {
	fd, err := unix.Socket(unix.AF_ROUTE, unix.SOCK_RAW, unix.AF_UNSPEC)
	if err != nil {
		return err
	}

	// Close socket when context is cancelled
	go func() {
		<-ctx.Done()
		unix.Close(fd)
	}()

	log.Debug("Darwin watcher initialized")

	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.WithError(err).Warn("Error reading from route socket")
				continue
			}
		}

		// bytes 0-1 msglen, byte 2 version, byte 3 type
		if n < 4 {
			continue
		}
		switch msgType := buf[3]; msgType {
		case rtmAdd, rtmDelete, rtmChange, rtmNewAddr, rtmDelAddr, rtmIfInfo:
			log.WithField("msgType", msgType).Trace("Received routing event")
			callback()
		}
	}
}
