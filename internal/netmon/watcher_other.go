//go:build !linux && !darwin

package netmon

import "context"

type idleWatcher struct{}

// NewWatcher returns a watcher that never reports changes; the service's
// periodic reconcile is the only source of updates on this platform.
func NewWatcher() Watcher {
	return idleWatcher{}
}

func (idleWatcher) Start(ctx context.Context, _ func()) error {
	<-ctx.Done()
	return nil
}
