// ABOUTME: Gateway wires the store, cache, registry, broker and hub behind one HTTP server
// ABOUTME: Owns listeners (TCP or tailnet), the background registry loop and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/XmasRock/multi-agent-conversational-system/internal/auth"
	"github.com/XmasRock/multi-agent-conversational-system/internal/broker"
	"github.com/XmasRock/multi-agent-conversational-system/internal/cache"
	"github.com/XmasRock/multi-agent-conversational-system/internal/config"
	"github.com/XmasRock/multi-agent-conversational-system/internal/hub"
	"github.com/XmasRock/multi-agent-conversational-system/internal/registry"
	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// Version is reported by GET / and the CLI. Overridden at build time.
var Version = "dev"

// shutdownTimeout bounds graceful shutdown once Run's context is done.
const shutdownTimeout = 10 * time.Second

// Gateway is the mcp-hub server.
type Gateway struct {
	config      *config.Config
	store       store.Store
	cache       *cache.Latest
	registry    *registry.Registry
	service     *broker.Service
	hub         *hub.Hub
	verifier    auth.TokenVerifier // nil when auth is disabled
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// initStore opens the durable store selected by database.driver.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := store.NewGormStore(config.DriverPostgres, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	}
}

// New creates a gateway with the store named in cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a gateway on top of an already opened store. The
// gateway takes ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:    cfg,
		store:     s,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}

	if cfg.Auth.SharedSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.SharedSecret))
		if err != nil {
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		gw.verifier = verifier
		gw.logger.Info("shared-secret authentication enabled")
	} else {
		gw.logger.Warn("auth.shared_secret not set, API and agent channels are unauthenticated")
	}

	gw.cache = cache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries)
	gw.registry = registry.New(s, registry.Config{
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		SweepInterval:    cfg.Agents.SweepInterval,
		FlushInterval:    cfg.Agents.FlushInterval,
		StoreTimeout:     cfg.API.RequestTimeout,
	}, logger)

	loadCtx, cancel := context.WithTimeout(context.Background(), cfg.API.RequestTimeout)
	defer cancel()
	if err := gw.registry.Load(loadCtx); err != nil {
		gw.cache.Close()
		return nil, fmt.Errorf("loading agent roster: %w", err)
	}

	gw.service = broker.New(s, gw.cache, gw.registry, broker.Config{
		RequestTimeout: cfg.API.RequestTimeout,
		DefaultLimit:   cfg.API.DefaultLimit,
		MaxLimit:       cfg.API.MaxLimit,
	}, logger)

	gw.hub = hub.New(gw.service, hub.Config{
		QueueSize:            cfg.Hub.QueueSize,
		CriticalRetries:      cfg.Hub.CriticalRetries,
		CriticalRetryDelay:   cfg.Hub.CriticalRetryDelay,
		BroadcastMinPriority: cfg.Hub.BroadcastMinPriority,
		DisconnectTimeout:    cfg.API.RequestTimeout,
	}, logger)

	gw.httpServer = &http.Server{
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"server_id", gw.hub.ServerID(),
		"driver", cfg.Database.Driver,
		"agents", len(gw.registry.Snapshot()))
	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Service exposes the query/ingest API.
func (g *Gateway) Service() *broker.Service {
	return g.service
}

// Hub exposes the live channel hub.
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// routes builds the mux. Everything under /api and /ws sits behind the
// token middleware when auth is enabled.
func (g *Gateway) routes() http.Handler {
	protected := http.NewServeMux()
	g.registerAPIRoutes(protected)
	protected.HandleFunc("GET /ws/agent/{agent_id}", g.handleAgentChannel)

	var guarded http.Handler = protected
	if g.verifier != nil {
		guarded = auth.HTTPAuthMiddleware(g.verifier)(protected)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", guarded)
	mux.Handle("/ws/", guarded)
	mux.HandleFunc("GET /{$}", g.handleInfo)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	if g.config.Metrics.Enabled {
		mux.HandleFunc("GET "+g.config.Metrics.Path, g.handleMetrics)
	}
	return mux
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("tailscale enabled, ignoring server.http_addr", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is done or a component fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	grp.Go(func() error {
		if err := g.registry.Run(gctx); err != nil {
			g.logger.Warn("registry stopped with error", "error", err)
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.stopServing(shutdownCtx)
	})

	err = grp.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := g.Shutdown(closeCtx); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

// stopServing closes live channels before the HTTP server so hijacked
// websocket connections do not hold shutdown open.
func (g *Gateway) stopServing(ctx context.Context) error {
	g.hub.Close()
	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "mcp-hub", "tsnet"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		g.tsnetServer = nil
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown ends live channels, waiting for their disconnects to be recorded,
// then stops the HTTP server, flushes buffered heartbeats and closes every
// component. It is safe to call after Run has returned.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.hub.Close()
	if err := g.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = appendCloseError(errs, "HTTP shutdown", err)
	}
	errs = appendCloseError(errs, "registry flush", g.registry.Close(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		g.tsnetServer = nil
	}
	g.cache.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
