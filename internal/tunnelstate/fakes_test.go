package tunnelstate

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/vpnd/internal/netmon"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/routing"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
)

const waitTimeout = 2 * time.Second

var errInjected = errors.New("injected failure")

// recorder keeps a single ordered log of what every fake was asked to do.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// indexOf returns the position of the first event equal to want, or -1.
func (r *recorder) indexOf(want string) int {
	for i, ev := range r.snapshot() {
		if ev == want {
			return i
		}
	}
	return -1
}

type fakeFirewall struct {
	rec *recorder

	mu       sync.Mutex
	applied  []policy.FirewallPolicy
	resets   int
	failNext int
}

func (f *fakeFirewall) ApplyPolicy(p policy.FirewallPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		f.rec.add("firewall:fail:%s", p.Kind())
		return errInjected
	}
	f.applied = append(f.applied, p)
	f.rec.add("firewall:%s", p.Kind())
	return nil
}

func (f *fakeFirewall) ResetPolicy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.rec.add("firewall:reset")
	return nil
}

func (f *fakeFirewall) failNextApplies(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeFirewall) history() []policy.FirewallPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]policy.FirewallPolicy(nil), f.applied...)
}

func (f *fakeFirewall) last() policy.FirewallPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.applied) == 0 {
		return nil
	}
	return f.applied[len(f.applied)-1]
}

func (f *fakeFirewall) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeDNS struct {
	rec *recorder

	mu     sync.Mutex
	sets   []policy.ResolvedDnsConfig
	resets int
	fail   bool
}

func (f *fakeDNS) Set(iface string, cfg policy.ResolvedDnsConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errInjected
	}
	f.sets = append(f.sets, cfg)
	f.rec.add("dns:set:%s", iface)
	return nil
}

func (f *fakeDNS) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeDNS) lastSet() (policy.ResolvedDnsConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sets) == 0 {
		return policy.ResolvedDnsConfig{}, false
	}
	return f.sets[len(f.sets)-1], true
}

func (f *fakeDNS) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type fakeRoutes struct {
	rec *recorder

	mu        sync.Mutex
	clears    int
	refreshes int
}

func (f *fakeRoutes) AddRoutes(ctx context.Context, routes []routing.Route) error { return nil }

func (f *fakeRoutes) ClearRoutes() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	f.rec.add("routes:clear")
	return nil
}

func (f *fakeRoutes) RefreshRoutes() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.rec.add("routes:refresh")
}

func (f *fakeRoutes) WaitForRoutes(ctx context.Context, routes []routing.Route) error { return nil }

func (f *fakeRoutes) counts() (clears, refreshes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears, f.refreshes
}

type fakeParams struct {
	mu       sync.Mutex
	attempts []uint32
	fail     bool
}

func testParams(attempt uint32) tunnel.Parameters {
	return tunnel.Parameters{
		Hostname:    fmt.Sprintf("relay-%d", attempt),
		Peer:        policy.NewEndpoint(netip.MustParseAddrPort("185.65.135.1:51820"), policy.UDP),
		Addresses:   []netip.Prefix{netip.MustParsePrefix("10.64.0.2/32")},
		IPv4Gateway: netip.MustParseAddr("10.64.0.1"),
	}
}

func (f *fakeParams) Generate(ctx context.Context, retryAttempt uint32, availability netmon.IpAvailability) (tunnel.Parameters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, retryAttempt)
	if f.fail {
		return tunnel.Parameters{}, errInjected
	}
	return testParams(retryAttempt), nil
}

func (f *fakeParams) calls() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.attempts...)
}

type fakeConnectivity struct {
	c netmon.Connectivity
}

func (f fakeConnectivity) Connectivity() netmon.Connectivity { return f.c }

var online = netmon.Connectivity{IPv4: true}

// fakeHandle is a tunnel that runs until stopped or failed.
type fakeHandle struct {
	stopOnce sync.Once
	stopped  chan struct{}
	failed   chan error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{stopped: make(chan struct{}), failed: make(chan error, 1)}
}

func (h *fakeHandle) Wait() error {
	select {
	case <-h.stopped:
		return nil
	case err := <-h.failed:
		return err
	}
}

func (h *fakeHandle) Stop() { h.stopOnce.Do(func() { close(h.stopped) }) }

func (h *fakeHandle) fail(err error) { h.failed <- err }

type tunnelStart struct {
	attempt uint32
	at      time.Time
	args    tunnel.Args
	handle  *fakeHandle
}

type startFunc func(n int, ctx context.Context, params tunnel.Parameters, args tunnel.Args, h *fakeHandle) error

type fakeTunnel struct {
	rec      *recorder
	behavior startFunc

	mu     sync.Mutex
	starts []*tunnelStart
}

func (f *fakeTunnel) Start(ctx context.Context, params tunnel.Parameters, args tunnel.Args) (tunnel.Handle, error) {
	h := newFakeHandle()
	f.mu.Lock()
	n := len(f.starts)
	f.starts = append(f.starts, &tunnelStart{attempt: args.RetryAttempt, at: time.Now(), args: args, handle: h})
	behavior := f.behavior
	f.mu.Unlock()

	f.rec.add("tunnel:start:%d", args.RetryAttempt)
	if behavior != nil {
		if err := behavior(n, ctx, params, args, h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (f *fakeTunnel) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeTunnel) start(t *testing.T, n int) *tunnelStart {
	t.Helper()
	require.Eventually(t, func() bool { return f.startCount() > n }, waitTimeout, 5*time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[n]
}

func (f *fakeTunnel) startTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.starts))
	for i, s := range f.starts {
		out[i] = s.at
	}
	return out
}

// Behaviors.

// stayConnecting starts a tunnel that never reports anything.
func stayConnecting(int, context.Context, tunnel.Parameters, tunnel.Args, *fakeHandle) error {
	return nil
}

// comeUp reports the interface with the given traffic, then up. The policy in
// force when InterfaceUp is acked is sent on observed, if set.
func comeUp(traffic policy.AllowedTunnelTraffic, fw *fakeFirewall, observed chan<- policy.FirewallPolicy) startFunc {
	return func(n int, ctx context.Context, params tunnel.Parameters, args tunnel.Args, h *fakeHandle) error {
		md := params.Metadata("wg-test")
		go func() {
			if !args.Events.Emit(tunnel.Event{Kind: tunnel.EventInterfaceUp, Metadata: md, AllowedTraffic: traffic}) {
				return
			}
			if observed != nil {
				observed <- fw.last()
			}
			args.Events.Emit(tunnel.Event{Kind: tunnel.EventUp, Metadata: md})
		}()
		return nil
	}
}

func failStart(err error) startFunc {
	return func(int, context.Context, tunnel.Parameters, tunnel.Args, *fakeHandle) error {
		return err
	}
}

type fakeSplitTunnel struct {
	mu      sync.Mutex
	paths   []string
	tunnels []string
	fail    error
}

func (f *fakeSplitTunnel) SetExcludedPaths(paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.paths = append([]string(nil), paths...)
	return nil
}

func (f *fakeSplitTunnel) SetTunnelAddresses(md *policy.TunnelMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if md == nil {
		f.tunnels = append(f.tunnels, "none")
	} else {
		f.tunnels = append(f.tunnels, md.Interface)
	}
	return nil
}

func (f *fakeSplitTunnel) excluded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakeSplitTunnel) tunnelUpdates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tunnels...)
}

type harness struct {
	t      *testing.T
	m      *Machine
	rec    *recorder
	fw     *fakeFirewall
	dns    *fakeDNS
	routes *fakeRoutes
	params *fakeParams
	tun    *fakeTunnel
	split  *fakeSplitTunnel

	transitions <-chan TunnelStateTransition
	unsubscribe func()
	runErr      chan error
}

type harnessConfig struct {
	connectivity netmon.Connectivity
	settings     Settings
	opts         Options
	behavior     startFunc
	// noSplitTunnel leaves the split tunnel port unset.
	noSplitTunnel bool
	splitFailure  error
}

func newHarness(t *testing.T, configure ...func(*harnessConfig)) *harness {
	t.Helper()
	cfg := harnessConfig{
		connectivity: online,
		opts:         Options{MinTunnelAliveTime: 20 * time.Millisecond, Fwmark: 0x6d6f6c65},
		behavior:     stayConnecting,
	}
	for _, c := range configure {
		c(&cfg)
	}

	rec := &recorder{}
	h := &harness{
		t:      t,
		rec:    rec,
		fw:     &fakeFirewall{rec: rec},
		dns:    &fakeDNS{rec: rec},
		routes: &fakeRoutes{rec: rec},
		params: &fakeParams{},
		tun:    &fakeTunnel{rec: rec, behavior: cfg.behavior},
		split:  &fakeSplitTunnel{fail: cfg.splitFailure},
		runErr: make(chan error, 1),
	}
	ports := Ports{
		Firewall:     h.fw,
		DNS:          h.dns,
		Routes:       h.routes,
		Tunnel:       h.tun,
		Params:       h.params,
		Connectivity: fakeConnectivity{c: cfg.connectivity},
		SplitTunnel:  h.split,
	}
	if cfg.noSplitTunnel {
		ports.SplitTunnel = nil
	}
	h.m = NewMachine(ports, cfg.settings, cfg.opts)

	h.transitions, h.unsubscribe = h.m.Subscribe()
	go func() { h.runErr <- h.m.Run(context.Background()) }()
	t.Cleanup(h.shutdown)
	return h
}

func (h *harness) shutdown() {
	h.m.Shutdown()
	select {
	case <-h.m.Done():
	case <-time.After(waitTimeout):
		h.t.Error("machine did not finish")
	}
	h.unsubscribe()
}

func (h *harness) next() TunnelStateTransition {
	h.t.Helper()
	select {
	case tr, ok := <-h.transitions:
		require.True(h.t, ok, "transition stream closed")
		return tr
	case <-time.After(waitTimeout):
		h.t.Fatal("timed out waiting for a transition")
		return TunnelStateTransition{}
	}
}

func (h *harness) expect(state StateKind) TunnelStateTransition {
	h.t.Helper()
	tr := h.next()
	require.Equal(h.t, state, tr.State, "got %s", tr)
	return tr
}

func (h *harness) expectNone(d time.Duration) {
	h.t.Helper()
	select {
	case tr, ok := <-h.transitions:
		if ok {
			h.t.Fatalf("unexpected transition %s", tr)
		}
	case <-time.After(d):
	}
}

// sync waits until every command queued so far has been handled.
func (h *harness) sync() {
	h.t.Helper()
	allow := h.m.Settings().AllowLan
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(h.t, h.m.SetAllowLan(ctx, allow))
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	h.t.Cleanup(cancel)
	return ctx
}

// connectingPolicies returns the connecting policies applied so far.
func (h *harness) connectingPolicies() []policy.ConnectingPolicy {
	var out []policy.ConnectingPolicy
	for _, p := range h.fw.history() {
		if cp, ok := p.(policy.ConnectingPolicy); ok {
			out = append(out, cp)
		}
	}
	return out
}
