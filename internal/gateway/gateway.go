// ABOUTME: Gateway orchestrator that coordinates gRPC health and HTTP servers
// ABOUTME: Owns the store, admission engines and the tenant runtime lifecycle

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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/rewards-gateway/internal/admission"
	"github.com/2389/rewards-gateway/internal/auth"
	"github.com/2389/rewards-gateway/internal/config"
	"github.com/2389/rewards-gateway/internal/fingerprint"
	"github.com/2389/rewards-gateway/internal/metrics"
	"github.com/2389/rewards-gateway/internal/runtime"
	"github.com/2389/rewards-gateway/internal/secrettoken"
	"github.com/2389/rewards-gateway/internal/settings"
	"github.com/2389/rewards-gateway/internal/store"
	"github.com/2389/rewards-gateway/internal/throttle"
	"github.com/2389/rewards-gateway/internal/transport"
)

// Gateway orchestrates the rewards-gateway server components.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	settings    *settings.Provider
	throttle    *throttle.Engine
	vpn         *throttle.VPNDetector
	verifier    *admission.Verifier
	dispatcher  *runtime.Dispatcher
	manager     *runtime.Manager
	metrics     *metrics.Metrics
	jwt         *auth.JWTVerifier
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	transport   transport.Transport
	logger      *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures a Gateway
type Option func(*Gateway)

// WithTransport replaces the Matrix transport, for tests.
func WithTransport(tr transport.Transport) Option {
	return func(g *Gateway) {
		g.transport = tr
	}
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("REWARDS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath,
		store.WithCredentialKey(cfg.Database.CredentialKey),
		store.WithLogger(logger.With("component", "store")),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server that carries the health service.
func createGRPCServer(healthSrv *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, healthSrv)
	return server
}

func runtimePlans(plans map[string]config.Plan) map[string]runtime.Plan {
	out := make(map[string]runtime.Plan, len(plans))
	for name, p := range plans {
		out[name] = runtime.Plan{MaxUsers: p.MaxUsers, DurationDays: p.DurationDays}
	}
	return out
}

// New creates a new Gateway instance with the given configuration.
// cfg must have had ApplyDefaults called.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	g.store = s

	if cfg.Auth.JWTSecret != "" {
		g.jwt, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	bank, err := admission.NewChallengeBank(admission.DefaultChallenges())
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading challenge bank: %w", err)
	}

	g.metrics = metrics.New()
	g.settings = settings.NewProvider(s, cfg.Protection, logger.With("component", "settings"))

	tokens := secrettoken.New(s, g.settings, logger.With("component", "secret-token"))
	g.throttle = throttle.New(s, g.settings, logger.With("component", "throttle"))
	g.vpn = throttle.NewVPNDetector(cfg.VPN.Endpoint, cfg.VPN.Timeout, logger.With("component", "vpn"))
	devices := fingerprint.New(s, g.settings, logger.With("component", "fingerprint"))
	g.verifier = admission.NewVerifier(tokens, g.throttle, g.vpn, devices, g.settings, g.metrics, logger.With("component", "verifier"))

	gate := admission.NewGate(s, g.settings, bank, logger.With("component", "gate"))
	g.dispatcher = runtime.NewDispatcher(s, gate, tokens, runtime.DispatcherConfig{
		VerificationURL: cfg.Verification.WebURL,
		DedupeTTL:       cfg.Runtime.DedupeTTL,
	}, g.metrics, logger.With("component", "dispatcher"))

	if g.transport == nil {
		g.transport = transport.NewMatrix(cfg.Matrix.Homeserver, cfg.Matrix.SendRate, cfg.Matrix.SendBurst, logger.With("component", "matrix"))
	}

	g.health = health.NewServer()
	g.manager = runtime.NewManager(s, g.transport, g.dispatcher, runtime.Config{
		RestoreDelay:        cfg.Runtime.RestoreDelay,
		ReconnectMaxBackoff: cfg.Runtime.ReconnectMaxBackoff,
		Plans:               runtimePlans(cfg.Plans),
	}, logger.With("component", "runtime"),
		runtime.WithObserver(g.metrics),
		runtime.WithStatusListener(g.metrics),
		runtime.WithStatusListener(&healthReporter{server: g.health}),
	)

	g.grpcServer = createGRPCServer(g.health)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Manager exposes the tenant runtime, for the CLI.
func (g *Gateway) Manager() *runtime.Manager {
	return g.manager
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers, restores persisted tenants and blocks until ctx is
// canceled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		started, err := g.manager.RestoreActive(egCtx)
		if err != nil && egCtx.Err() == nil {
			g.logger.Error("restoring tenants failed", "error", err)
		}
		g.logger.Info("=== TENANTS RESTORED ===", "started", started)
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// The run context is already canceled at this point.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "rewards-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
// With funnel enabled the HTTP listener is public so the verification page can
// reach /verify-device from any browser.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops every tenant loop and server and releases resources.
// Tenants keep their persisted active flag so the next start restores them.
// Calls after the first return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.shutdownGRPCServer(ctx)

	g.manager.Shutdown(ctx)
	g.dispatcher.Close()
	g.vpn.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
