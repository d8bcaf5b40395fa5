package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/routing"
)

const (
	// rejectAfterTime is how long a WireGuard session lives without a new
	// handshake; past it the peer is considered gone.
	rejectAfterTime     = 180 * time.Second
	healthCheckInterval = 5 * time.Second
	handshakePoll       = 100 * time.Millisecond
	routeWaitTimeout    = 5 * time.Second
)

// WireGuard runs a userspace WireGuard device per attempt.
type WireGuard struct {
	logLevel int
}

func NewWireGuard(verbose bool) *WireGuard {
	level := device.LogLevelError
	if verbose {
		level = device.LogLevelVerbose
	}
	return &WireGuard{logLevel: level}
}

func (w *WireGuard) deviceLogger(iface string) *device.Logger {
	entry := log.WithField("interface", iface)
	logger := &device.Logger{
		Verbosef: device.DiscardLogf,
		Errorf:   entry.Errorf,
	}
	if w.logLevel >= device.LogLevelVerbose {
		logger.Verbosef = entry.Debugf
	}
	return logger
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type wgHandle struct {
	iface  string
	dev    *device.Device
	uapi   io.Closer
	cancel context.CancelFunc

	done chan struct{}
	err  error
	stop sync.Once
}

func (h *wgHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *wgHandle) Stop() {
	h.stop.Do(h.cancel)
}

func (w *WireGuard) Start(ctx context.Context, params Parameters, args Args) (Handle, error) {
	params = params.withDefaults()
	fields := log.Fields{
		"interface": params.InterfaceName,
		"peer":      params.Peer.String(),
		"attempt":   args.RetryAttempt,
	}

	tdev, err := tun.CreateTUN(params.InterfaceName, params.MTU)
	if err != nil {
		return nil, &DeviceError{Op: "create", Err: err}
	}
	iface, err := tdev.Name()
	if err != nil {
		tdev.Close()
		return nil, &DeviceError{Op: "name", Err: err}
	}

	dev := device.NewDevice(tdev, conn.NewDefaultBind(), w.deviceLogger(iface))
	if err := dev.IpcSet(params.UAPIConfig()); err != nil {
		dev.Close()
		return nil, &SetupError{Op: "configure", Err: err}
	}
	if err := configureInterface(iface, params.Addresses, params.MTU); err != nil {
		dev.Close()
		return nil, &DeviceError{Op: "configure interface", Err: err}
	}

	uapi, err := openUAPI(iface, dev)
	if err != nil {
		log.WithFields(fields).WithError(err).Warn("Tunnel statistics unavailable")
		uapi = nopCloser{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &wgHandle{
		iface:  iface,
		dev:    dev,
		uapi:   uapi,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel()
		h.err = w.run(runCtx, h, params, args)
		h.uapi.Close()
		h.dev.Close()
		if h.err != nil && runCtx.Err() == nil {
			log.WithFields(fields).WithError(h.err).Warn("Tunnel stopped")
		} else {
			log.WithFields(fields).Debug("Tunnel stopped")
		}
	}()

	log.WithFields(fields).Info("Started WireGuard tunnel")
	return h, nil
}

func (w *WireGuard) run(ctx context.Context, h *wgHandle, params Parameters, args Args) error {
	metadata := params.Metadata(h.iface)

	preUp := policy.AllowNoTunnelTraffic()
	if params.VerifyDNS && params.IPv4Gateway.IsValid() {
		preUp = policy.AllowTunnelEndpoints(policy.NewEndpoint(netip.AddrPortFrom(params.IPv4Gateway, 53), policy.UDP))
	}
	if !args.Events.Emit(Event{Kind: EventInterfaceUp, Metadata: metadata, AllowedTraffic: preUp}) {
		return nil
	}

	if args.Routes != nil {
		routes := routing.TunnelRoutes(h.iface, params.Peer.Address.Addr(), params.IPv4Gateway.IsValid(), params.IPv6Gateway.IsValid())
		if err := args.Routes.AddRoutes(ctx, routes); err != nil {
			return &SetupError{Op: "add routes", Err: err, Recoverable: true}
		}
		waitCtx, cancel := context.WithTimeout(ctx, routeWaitTimeout)
		err := args.Routes.WaitForRoutes(waitCtx, routes)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &SetupError{Op: "wait for routes", Err: err, Recoverable: true}
		}
	}

	if err := h.dev.Up(); err != nil {
		return &DeviceError{Op: "up", Err: err}
	}

	if err := w.waitForHandshake(ctx, h.dev, params.HandshakeTimeout); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if params.VerifyDNS && params.IPv4Gateway.IsValid() {
		if err := probeResolver(ctx, params.IPv4Gateway, params.HandshakeTimeout); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &SetupError{Op: "verify dns", Err: err, Recoverable: true}
		}
	}

	if !args.Events.Emit(Event{Kind: EventUp, Metadata: metadata}) {
		return nil
	}

	err := w.monitor(ctx, h.dev)
	if ctx.Err() == nil {
		args.Events.Emit(Event{Kind: EventDown})
	}
	return err
}

func (w *WireGuard) waitForHandshake(ctx context.Context, dev *device.Device, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(handshakePoll)
	defer ticker.Stop()
	for {
		if last, err := lastHandshake(dev); err == nil && !last.IsZero() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrTimeout
		case <-ticker.C:
		}
	}
}

// monitor returns when the device closes or the session expires.
func (w *WireGuard) monitor(ctx context.Context, dev *device.Device) error {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dev.Wait():
			return ErrDeviceClosed
		case <-ticker.C:
			last, err := lastHandshake(dev)
			if err != nil {
				return &SetupError{Op: "read status", Err: err, Recoverable: true}
			}
			if time.Since(last) > rejectAfterTime {
				return ErrTimeout
			}
		}
	}
}

func lastHandshake(dev *device.Device) (time.Time, error) {
	status, err := dev.IpcGet()
	if err != nil {
		return time.Time{}, err
	}
	return parseLastHandshake(status), nil
}

// parseLastHandshake returns the newest handshake time in a UAPI get
// response, or the zero time if no peer has completed one.
func parseLastHandshake(status string) time.Time {
	var sec, nsec int64
	var newest time.Time
	scanner := bufio.NewScanner(strings.NewReader(status))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			sec, nsec = 0, 0
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
			if sec != 0 || nsec != 0 {
				if t := time.Unix(sec, nsec); t.After(newest) {
					newest = t
				}
			}
		}
	}
	return newest
}

// probeResolver asks the in-tunnel resolver for the root NS set until it
// answers or the timeout passes.
func probeResolver(ctx context.Context, server netip.Addr, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &mdns.Client{Net: "udp", Timeout: time.Second}
	msg := new(mdns.Msg)
	msg.SetQuestion(".", mdns.TypeNS)
	addr := net.JoinHostPort(server.String(), "53")

	var lastErr error
	for {
		_, _, err := client.ExchangeContext(ctx, msg, addr)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("resolver %s unreachable: %w", server, errors.Join(lastErr, ctx.Err()))
		case <-time.After(handshakePoll):
		}
	}
}
