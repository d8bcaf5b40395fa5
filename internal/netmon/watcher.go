package netmon

import "context"

// Watcher reports that something about the host's interfaces, addresses or
// routes changed, using netlink on Linux and route sockets on macOS.
type Watcher interface {
	// Start calls callback for each change and blocks until ctx is
	// cancelled or an error occurs.
	Start(ctx context.Context, callback func()) error
}
