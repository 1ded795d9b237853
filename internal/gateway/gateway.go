// ABOUTME: Gateway orchestrator that wires the agent listener, dispatcher and operator API
// ABOUTME: Manages listener, HTTP, gRPC health and audit store lifecycle

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
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/transfer"
)

// HealthService is the gRPC health service name reported for the agent listener.
const HealthService = "coven.dispatch.Agents"

const shutdownTimeout = 5 * time.Second

// farewellTimeout bounds the exit broadcast sent to agents at shutdown.
const farewellTimeout = 2 * time.Second

// Gateway orchestrates the coven-dispatch server components.
type Gateway struct {
	config     *config.Config
	registry   *agent.Registry
	dispatcher *dispatch.Dispatcher
	store      store.Store // nil when auditing is disabled
	verifier   *auth.JWTVerifier
	listener   *Listener

	mux         *http.ServeMux
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	logger     *slog.Logger
	baseLogger *slog.Logger
}

// listeners holds the sockets the gateway serves on. HTTP and gRPC are optional.
type listeners struct {
	agent net.Listener
	http  net.Listener
	grpc  net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.agent, l.http, l.grpc} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

// initStore opens the audit store, or returns nil when no database is configured.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		logger:     logger.With("component", "gateway"),
		baseLogger: logger,
	}

	if cfg.Auth.JWTSecret != "" {
		gw.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.closeStore()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	gw.registry = agent.NewRegistry(agent.RegistryConfig{
		InactivityTimeout: cfg.Agents.InactivityTimeout,
		Logger:            logger,
	})

	dcfg := dispatch.Config{
		Sessions:       gw.registry,
		DefaultTimeout: cfg.Dispatch.DefaultTimeout,
		MaxTimeout:     cfg.Dispatch.MaxTimeout,
		OutputDir:      cfg.Transfer.DownloadDir,
		Logger:         logger,
	}
	if s != nil {
		dcfg.Recorder = storeRecorder{store: s}
	}
	gw.dispatcher = dispatch.New(dcfg)

	transfer.New(transfer.Config{
		ChunkSize:   cfg.Transfer.ChunkSize,
		DownloadDir: cfg.Transfer.DownloadDir,
		Logger:      logger,
	}).Register(gw.dispatcher)

	gw.mux = http.NewServeMux()
	gw.mux.HandleFunc("GET /health", gw.handleHealth)
	gw.mux.HandleFunc("GET /health/ready", gw.handleReady)
	gw.registerAPIRoutes(gw.mux)

	gw.httpServer = &http.Server{
		Handler:           gw.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.health = health.NewServer()
	gw.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	gw.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(gw.grpcServer, gw.health)

	return gw, nil
}

// Registry returns the session registry.
func (g *Gateway) Registry() *agent.Registry { return g.registry }

// Dispatcher returns the command dispatcher.
func (g *Gateway) Dispatcher() *dispatch.Dispatcher { return g.dispatcher }

// Handler returns the HTTP handler serving the operator API and health endpoints.
func (g *Gateway) Handler() http.Handler { return g.mux }

// setupTCPListeners binds the configured addresses. Empty HTTP or gRPC
// addresses leave that server off.
func (g *Gateway) setupTCPListeners() (listeners, error) {
	var lns listeners
	var err error

	lns.agent, err = net.Listen("tcp", g.config.Server.AgentAddr)
	if err != nil {
		return lns, fmt.Errorf("listening on agent address: %w", err)
	}
	if addr := g.config.Server.HTTPAddr; addr != "" {
		lns.http, err = net.Listen("tcp", addr)
		if err != nil {
			lns.close()
			return listeners{}, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	if addr := g.config.Server.GRPCAddr; addr != "" {
		lns.grpc, err = net.Listen("tcp", addr)
		if err != nil {
			lns.close()
			return listeners{}, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return lns, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the gateway and blocks until ctx is cancelled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	lns, err := g.setupListeners(ctx)
	if err != nil {
		g.closeResources()
		return err
	}
	return g.serve(ctx, lns)
}

// serve runs every server on lns until ctx ends or one of them fails, then
// shuts everything down.
func (g *Gateway) serve(ctx context.Context, lns listeners) error {
	defer g.closeResources()

	g.listener = NewListener(lns.agent, ListenerConfig{
		Registry:         g.registry,
		HandshakeTimeout: g.config.Agents.HandshakeTimeout,
		WriteTimeout:     g.config.Agents.WriteTimeout,
		MaxPayload:       g.config.Transfer.MaxFrameSize,
		Farewell:         g.dismissAgents,
		Logger:           g.baseLogger,
	})

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		defer g.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		return g.listener.Serve(egCtx)
	})

	if lns.http != nil {
		eg.Go(func() error {
			g.logger.Info("HTTP server listening", "addr", lns.http.Addr().String())
			if err := g.httpServer.Serve(lns.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server: %w", err)
			}
			return nil
		})
	}

	if lns.grpc != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", lns.grpc.Addr().String())
			if err := g.grpcServer.Serve(lns.grpc); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	if g.config.Agents.InactivityTimeout > 0 {
		eg.Go(func() error {
			g.registry.RunSweeper(egCtx, g.config.Agents.SweepInterval)
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown(lns.http != nil)
	})

	return eg.Wait()
}

// dismissAgents sends exit to every live agent before the listener
// disconnects them. Agents that do not answer within farewellTimeout are
// simply dropped.
func (g *Gateway) dismissAgents() {
	res, err := g.dispatcher.Dispatch(context.Background(), dispatch.Command{
		Verb:    dispatch.VerbExit,
		Targets: dispatch.All(),
	}, farewellTimeout)
	if errors.Is(err, dispatch.ErrInvalidSelector) {
		return
	}
	if err != nil {
		g.logger.Warn("dismissing agents", "error", err)
		return
	}
	succeeded, _, _ := res.Counts()
	g.logger.Info("dismissed agents", "acknowledged", succeeded, "targets", len(res.Outcomes))
}

// gracefulShutdown stops the HTTP and gRPC servers with a fresh deadline,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown(httpStarted bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	g.health.Shutdown()
	if httpStarted {
		if err := g.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}
	g.shutdownGRPCServer(ctx)
	return errors.Join(errs...)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

// closeResources releases everything New and Run acquired.
func (g *Gateway) closeResources() {
	g.registry.Close()
	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			g.logger.Warn("tailscale shutdown", "error", err)
		}
	}
	g.closeStore()
	g.logger.Info("gateway stopped")
}

func (g *Gateway) closeStore() {
	if g.store == nil {
		return
	}
	if err := g.store.Close(); err != nil {
		g.logger.Warn("store close", "error", err)
	}
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
	return filepath.Join(homeDir, ".local", "share", "coven-dispatch", "tailscale"), nil
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

// tailnetPort returns ":port" taken from addr, or fallback when addr has none.
func tailnetPort(addr, fallback string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return ":" + port
	}
	return fallback
}

// setupTailscaleListeners starts a tsnet node and listens on it instead of the
// host network. Ports are taken from the configured addresses.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (listeners, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return listeners{}, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return listeners{}, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return listeners{}, err
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
		return listeners{}, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var lns listeners
	lns.agent, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.AgentAddr, ":9999"))
	if err != nil {
		return listeners{}, fmt.Errorf("listening on tailscale agent port: %w", err)
	}
	if g.config.Server.HTTPAddr != "" {
		lns.http, err = g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			lns.close()
			return listeners{}, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
	}
	if g.config.Server.GRPCAddr != "" {
		lns.grpc, err = g.tsnetServer.Listen("tcp", tailnetPort(g.config.Server.GRPCAddr, ":50051"))
		if err != nil {
			lns.close()
			return listeners{}, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return lns, nil
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

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the agent listener is accepting and at
// least one agent is READY.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.listener == nil || !g.listener.Accepting() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("agent listener not running"))
		return
	}
	ready := g.registry.ListReady()
	if len(ready) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(ready))
}
