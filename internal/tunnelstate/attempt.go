package tunnelstate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

// tunnelAttempt is the machine's side of one running tunnel worker. The
// worker sends at most one close reason on closeEvent and then closes it; a
// nil reason means the attempt may be retried. A channel closed without a
// value means the worker died without reporting.
type tunnelAttempt struct {
	id         string
	events     <-chan tunnel.Event
	closeEvent <-chan *ErrorStateCause
	cancel     context.CancelFunc
}

// close signals the worker to stop the tunnel. The close event follows.
func (a *tunnelAttempt) close() {
	a.cancel()
}

func startTunnel(shared *SharedValues, params tunnel.Parameters, retryAttempt uint32) *tunnelAttempt {
	ctx, cancel := context.WithCancel(shared.ctx)
	events := make(chan tunnel.Event)
	closeEvent := make(chan *ErrorStateCause, 1)

	a := &tunnelAttempt{
		id:         uuid.NewString(),
		events:     events,
		closeEvent: closeEvent,
		cancel:     cancel,
	}

	ports, opts := shared.ports, shared.opts
	logger := log.WithFields(log.Fields{
		"attempt_id":    a.id,
		"retry_attempt": retryAttempt,
		"peer":          params.Peer.String(),
	})
	opts.Metrics.ObserveTunnelAttempt()

	go func() {
		start := time.Now()
		var cause *ErrorStateCause

		defer close(closeEvent)
		defer func() {
			r := recover()
			if r != nil {
				logger.WithField("panic", r).Error("Tunnel worker panicked")
			}
			if cause == nil {
				padAliveTime(ctx, start, opts.MinTunnelAliveTime)
			}
			if r == nil {
				closeEvent <- cause
			}
		}()

		args := tunnel.Args{
			RetryAttempt: retryAttempt,
			Events:       tunnel.NewEventHook(ctx, events),
			Routes:       ports.Routes,
		}
		cause = runTunnel(ctx, ports.Tunnel, params, args, opts.ShouldRetry, logger)
		if cause != nil {
			logger.WithField("cause", cause.Kind).Debug("Tunnel monitor exited with block reason")
		}
		logger.Trace("Tunnel monitor exit")
	}()

	return a
}

func runTunnel(ctx context.Context, t tunnel.Tunnel, params tunnel.Parameters, args tunnel.Args, shouldRetry RetryPolicy, logger *log.Entry) *ErrorStateCause {
	handle, err := t.Start(ctx, params, args)
	if err != nil {
		if shouldRetry(err, args.RetryAttempt) {
			logger.WithError(err).Warn("Retrying to connect after failing to start tunnel")
			return nil
		}
		logger.WithError(err).Error("Failed to start tunnel")
		cause := CauseStartTunnelError(err)
		return &cause
	}

	stop := context.AfterFunc(ctx, handle.Stop)
	defer stop()

	err = handle.Wait()
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case errors.Is(err, tunnel.ErrTimeout):
		logger.Debug("Tunnel timed out")
		return nil
	case !shouldRetry(err, args.RetryAttempt):
		logger.WithError(err).Error("Tunnel has stopped unexpectedly")
		cause := CauseStartTunnelError(err)
		return &cause
	default:
		logger.WithError(err).Warn("Tunnel has stopped unexpectedly")
		return nil
	}
}

// padAliveTime sleeps until minAlive has passed since start, or ctx ends.
func padAliveTime(ctx context.Context, start time.Time, minAlive time.Duration) {
	remaining := minAlive - time.Since(start)
	if remaining <= 0 {
		return
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
