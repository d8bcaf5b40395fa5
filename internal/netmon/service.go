// Package netmon tracks whether the host is online and which IP families it
// can use.
package netmon

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/runtime"
)

const defaultReconcileInterval = 30 * time.Second

type Service struct {
	watcher           Watcher
	probe             func() Connectivity
	reconcileInterval time.Duration

	// mu orders updates against subscriptions so that a subscriber's
	// snapshot is never older than the first live value it receives.
	mu      sync.Mutex
	current Connectivity
	known   bool
	bus     *runtime.Broadcaster[Connectivity]
}

// NewService watches connectivity, ignoring the named interface (the tunnel
// itself must not count as a way out).
func NewService(excludeInterface string) *Service {
	return &Service{
		watcher:           NewWatcher(),
		probe:             func() Connectivity { return probeConnectivity(excludeInterface) },
		reconcileInterval: defaultReconcileInterval,
		bus:               runtime.NewBroadcaster[Connectivity](),
	}
}

// Subscribe returns the current connectivity (once known) followed by every
// change.
func (s *Service) Subscribe() (<-chan Connectivity, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known {
		return s.bus.Subscribe(s.current)
	}
	return s.bus.Subscribe()
}

// Connectivity returns the last observed state. Unknown reads as offline.
func (s *Service) Connectivity() Connectivity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Availability returns which families are usable, or false when offline or
// unknown.
func (s *Service) Availability() (IpAvailability, bool) {
	return s.Connectivity().Availability()
}

// Check probes the host now and publishes the result if it changed.
func (s *Service) Check() Connectivity {
	c := s.probe()
	s.update(c)
	return c
}

func (s *Service) Start(ctx context.Context) error {
	log.Info("Starting connectivity monitor")
	s.Check()

	watchErr := make(chan error, 1)
	go func() {
		watchErr <- s.watcher.Start(ctx, func() { s.Check() })
	}()

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping connectivity monitor")
			return nil
		case err := <-watchErr:
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Network watcher failed, relying on periodic checks")
			}
			watchErr = nil
		case <-ticker.C:
			s.Check()
		}
	}
}

func (s *Service) Close() error {
	return s.bus.Close()
}

func (s *Service) update(c Connectivity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known && s.current == c {
		return
	}
	s.current = c
	s.known = true

	log.WithField("connectivity", c.String()).Info("Connectivity changed")
	s.bus.Publish(c)
}
