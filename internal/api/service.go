package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/vpnd/internal/metrics"
	"github.com/dmdmdm-nz/vpnd/internal/policy"
	"github.com/dmdmdm-nz/vpnd/internal/tunnel"
	"github.com/dmdmdm-nz/vpnd/internal/tunnelstate"
)

const (
	defaultAckTimeout = 10 * time.Second
	shutdownTimeout   = 2 * time.Second
)

// Controller is the part of the tunnel state machine the API drives.
type Controller interface {
	Current() tunnelstate.TunnelStateTransition
	Settings() tunnelstate.Settings
	Subscribe() (<-chan tunnelstate.TunnelStateTransition, func())

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SetAllowLan(ctx context.Context, allow bool) error
	SetBlockWhenDisconnected(ctx context.Context, block bool) error
	SetAllowedEndpoint(ctx context.Context, ep *policy.AllowedEndpoint) error
	SetDns(ctx context.Context, cfg policy.DnsConfig) error
	SetExcludedApps(ctx context.Context, paths []string) error
}

// PolicyReader reports the firewall policy currently in force.
type PolicyReader interface {
	Current() policy.FirewallPolicy
}

// StatsReader reads the statistics of a tunnel interface.
type StatsReader interface {
	Read(iface string) (tunnel.Stats, error)
}

// Service represents the HTTP server for the API
type Service struct {
	address string
	port    int

	ctrl       Controller
	stats      StatsReader
	firewall   PolicyReader
	metrics    *metrics.Metrics
	ackTimeout time.Duration

	mu          sync.Mutex
	server      *http.Server
	subscribers map[string]context.CancelFunc
	closed      bool
}

// NewService creates the API. stats and m may be nil, which disables the
// matching endpoints.
func NewService(host string, port int, ctrl Controller, stats StatsReader, m *metrics.Metrics) *Service {
	return &Service{
		address:     host,
		port:        port,
		ctrl:        ctrl,
		stats:       stats,
		metrics:     m,
		ackTimeout:  defaultAckTimeout,
		subscribers: make(map[string]context.CancelFunc),
	}
}

// WithFirewall adds the active firewall policy to the state endpoint.
func (s *Service) WithFirewall(fw PolicyReader) *Service {
	s.firewall = fw
	return s
}

// Start serves the API until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.address, fmt.Sprint(s.port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	log.Infof("Starting vpnd API service at %s", addr)
	defer log.Info("Stopping vpnd API service")

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.server
	// Hijacked websocket connections are not covered by Shutdown.
	for id, cancel := range s.subscribers {
		cancel()
		delete(s.subscribers, id)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// Handler returns the API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			resp := StateResponse{State: s.ctrl.Current(), Settings: s.ctrl.Settings()}
			if s.firewall != nil {
				if p := s.firewall.Current(); p != nil {
					resp.FirewallPolicy = p.String()
				}
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/connect", s.command(s.ctrl.Connect))
	mux.HandleFunc("/disconnect", s.command(s.ctrl.Disconnect))

	mux.HandleFunc("/settings/allow-lan", s.setting(func(ctx context.Context, r *http.Request) error {
		var req AllowLanRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.ctrl.SetAllowLan(ctx, req.Allow)
	}))
	mux.HandleFunc("/settings/block-when-disconnected", s.setting(func(ctx context.Context, r *http.Request) error {
		var req BlockWhenDisconnectedRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.ctrl.SetBlockWhenDisconnected(ctx, req.Block)
	}))
	mux.HandleFunc("/settings/allowed-endpoint", s.setting(func(ctx context.Context, r *http.Request) error {
		if r.Method == http.MethodDelete {
			return s.ctrl.SetAllowedEndpoint(ctx, nil)
		}
		var req AllowedEndpointRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		ep, err := parseAllowedEndpoint(req)
		if err != nil {
			return err
		}
		return s.ctrl.SetAllowedEndpoint(ctx, &ep)
	}))
	mux.HandleFunc("/settings/dns", s.setting(func(ctx context.Context, r *http.Request) error {
		var req DnsRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		cfg, err := parseDns(req)
		if err != nil {
			return err
		}
		return s.ctrl.SetDns(ctx, cfg)
	}))
	mux.HandleFunc("/settings/excluded-apps", s.setting(func(ctx context.Context, r *http.Request) error {
		var req ExcludedAppsRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.ctrl.SetExcludedApps(ctx, req.Paths)
	}))

	mux.HandleFunc("/tunnel/stats", s.tunnelStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/ws/events", s.streamEvents)
	return mux
}

// errBadRequest marks request bodies that could not be understood.
var errBadRequest = errors.New("bad request")

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func parseAllowedEndpoint(req AllowedEndpointRequest) (policy.AllowedEndpoint, error) {
	ep, err := policy.ParseEndpoint(req.Endpoint)
	if err != nil {
		return policy.AllowedEndpoint{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	clients, err := policy.ParseAllowedClients(req.Clients)
	if err != nil {
		return policy.AllowedEndpoint{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return policy.AllowedEndpoint{Endpoint: ep, Clients: clients}, nil
}

func parseDns(req DnsRequest) (policy.DnsConfig, error) {
	var cfg policy.DnsConfig
	for _, s := range req.Custom {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return policy.DnsConfig{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		cfg.Custom = append(cfg.Custom, addr)
	}
	return cfg, nil
}

// command serves a POST that only queues a command.
func (s *Service) command(send func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.ackTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, s.ctrl.Current())
	}
}

// setting serves a PUT (or DELETE) that returns once the new value is in
// force.
func (s *Service) setting(apply func(context.Context, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut, http.MethodDelete:
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.ackTimeout)
		defer cancel()
		if err := apply(ctx, r); err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Warn("Failed to change setting")
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.Settings())
	}
}

func (s *Service) tunnelStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		http.Error(w, "Tunnel statistics are not available", http.StatusNotImplemented)
		return
	}
	current := s.ctrl.Current()
	if current.State != tunnelstate.StateConnected || current.Metadata == nil {
		http.Error(w, "Not connected", http.StatusConflict)
		return
	}
	stats, err := s.stats.Read(current.Metadata.Interface)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to read tunnel statistics: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, tunnelstate.ErrInvalidExcludedPath):
		status = http.StatusBadRequest
	case errors.Is(err, tunnelstate.ErrShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, tunnelstate.ErrSplitTunnelUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}
