// Package server runs the gtunnel control plane: the main HTTP(S) listener
// that admits callers and upgrades tunnel connections, plus the optional
// metrics, dashboard, pprof and ACME challenge listeners.
package server

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/koltyakov/gtunnel/internal/admission"
	"github.com/koltyakov/gtunnel/internal/auth"
	"github.com/koltyakov/gtunnel/internal/config"
	"github.com/koltyakov/gtunnel/internal/debughttp"
	"github.com/koltyakov/gtunnel/internal/health"
	"github.com/koltyakov/gtunnel/internal/metrics"
	"github.com/koltyakov/gtunnel/internal/ratelimit"
	"github.com/koltyakov/gtunnel/internal/registry"
	"github.com/koltyakov/gtunnel/internal/store/sqlite"
)

// ServiceName is reported by the root route.
const ServiceName = "gtunnel"

// TunnelPath is where clients open tunnel connections.
const TunnelPath = "/tunnel"

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

type Server struct {
	cfg     *config.Config
	version string
	clock   clock.Clock
	log     *zap.Logger

	metrics  *metrics.Collector
	limiter  *ratelimit.Limiter
	pipeline *admission.Pipeline
	registry *registry.Registry
	health   *health.Checker
	tls      *tls.Config
	acme     *autocert.Manager
	store    *sqlite.Store
	history  *historyWriter

	// listen binds every socket the server opens.
	listen func(network, addr string) (net.Listener, error)

	listening atomic.Bool

	mu            sync.Mutex
	state         lifecycle
	startedAt     time.Time
	ln            net.Listener
	httpSrv       *http.Server
	aux           []*auxServer
	pprof         *debughttp.PprofServer
	stopHeartbeat func()
	cancelBg      context.CancelFunc
	bg            sync.WaitGroup
	group         *errgroup.Group
	groupCtx      context.Context

	stopOnce sync.Once
	stopErr  error
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

// Info describes the running server.
type Info struct {
	Host        string         `json:"host"`
	Port        int            `json:"port"`
	TLS         bool           `json:"tls"`
	Connections int            `json:"connections"`
	SauceLabs   *SauceLabsInfo `json:"sauceLabs,omitempty"`
}

// SauceLabsInfo is set on [Info] when Sauce Labs compatible mode is on.
type SauceLabsInfo struct {
	TunnelID   string `json:"tunnelId,omitempty"`
	TunnelName string `json:"tunnelName,omitempty"`
	Region     string `json:"region,omitempty"`
	Username   string `json:"username,omitempty"`
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.log = l } }

func WithClock(c clock.Clock) Option { return func(s *Server) { s.clock = c } }

// WithVersion sets the version reported by the root and health routes.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// New validates cfg and wires every component. Nothing listens until
// [Server.Start]. A configuration problem is returned before any socket
// or database is opened.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		version: "dev",
		clock:   clock.New(),
		log:     zap.NewNop(),
		metrics: metrics.New(),
		listen:  net.Listen,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	filter, err := auth.NewIPFilter(cfg.Auth.IPWhitelist, cfg.Auth.IPBlacklist, s.log.Named("auth"))
	if err != nil {
		return nil, err
	}
	keys := make([]auth.APIKey, 0, len(cfg.Auth.APIKey.Keys))
	for _, k := range cfg.Auth.APIKey.Keys {
		keys = append(keys, auth.APIKey{Name: k.Name, Key: k.Key})
	}
	validator := auth.NewAPIKeyValidator(cfg.Auth.APIKey.Enabled, keys, s.log.Named("auth"))

	if s.tls, s.acme, err = buildTLSConfig(cfg.Server.TLS, cfg.TLSMinVersion()); err != nil {
		return nil, err
	}

	if path := cfg.Storage.Path; path != "" {
		if s.store, err = sqlite.Open(path); err != nil {
			return nil, err
		}
		s.history = newHistoryWriter(s.store, s.log.Named("store"))
	}

	// The limiter starts its sweep immediately, so it is built last.
	s.limiter = ratelimit.New(ratelimit.Config{
		Window:        cfg.Security.RateLimit.Window(),
		MaxRequests:   cfg.Security.RateLimit.MaxRequests,
		SweepInterval: cfg.Security.RateLimit.CleanupInterval(),
	}, ratelimit.WithClock(s.clock), ratelimit.WithLogger(s.log.Named("ratelimit")))

	s.pipeline = admission.New(s.metrics, s.log.Named("admission"),
		admission.IPGate(filter),
		admission.RateGate(s.limiter, s.clock),
		admission.APIKeyGate(validator),
	)

	regOpts := []registry.Option{
		registry.WithClock(s.clock),
		registry.WithLogger(s.log.Named("registry")),
		registry.WithRecorder(s.metrics),
	}
	if s.history != nil {
		regOpts = append(regOpts, registry.WithObserver(s.history))
	}
	s.registry = registry.New(registry.Config{
		HeartbeatInterval: cfg.Performance.HeartbeatInterval(),
		MaxMessageBytes:   cfg.Performance.MaxMessageBytes,
		WriteTimeout:      cfg.Performance.WriteTimeout(),
		Compression:       cfg.Performance.Compression,
	}, regOpts...)

	s.health = health.NewChecker(s.version, s.clock)
	s.health.Register("server", func(context.Context) (bool, error) {
		return s.listening.Load(), nil
	})
	s.health.Register("websocket", func(context.Context) (bool, error) {
		return s.registry.Running(), nil
	})
	if s.store != nil {
		s.health.Register("storage", func(ctx context.Context) (bool, error) {
			if err := s.store.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		})
	}
	return s, nil
}

// Addr returns the bound main listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Info reports the listener settings and the live connection count.
func (s *Server) Info() Info {
	info := Info{
		Host:        s.cfg.Server.Host,
		Port:        s.cfg.Server.Port,
		TLS:         s.cfg.Server.TLS.Enabled,
		Connections: s.registry.Count(),
	}
	if addr := s.Addr(); addr != nil {
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				info.Port = p
			}
		}
	}
	if sl := s.cfg.SauceLabs; sl.Compatible {
		info.SauceLabs = &SauceLabsInfo{
			TunnelID:   sl.TunnelID,
			TunnelName: sl.TunnelName,
			Region:     sl.Region,
			Username:   sl.Username,
		}
	}
	return info
}

// Metrics exposes the server's collector.
func (s *Server) Metrics() *metrics.Collector { return s.metrics }

// Health runs the registered health checks.
func (s *Server) Health(ctx context.Context) health.Report { return s.health.Health(ctx) }
