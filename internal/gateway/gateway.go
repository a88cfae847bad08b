// ABOUTME: Gateway orchestrator that coordinates the proxy websocket and HTTP server
// ABOUTME: Manages proxy connections, tunnel multiplexer, store, and health endpoints

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/2389/acp-relay/internal/auth"
	"github.com/2389/acp-relay/internal/config"
	"github.com/2389/acp-relay/internal/store"
	"github.com/2389/acp-relay/internal/tunnel"
)

// Gateway orchestrates the relay-gateway server components. It owns the HTTP
// server carrying the proxy websocket endpoint and the health endpoints.
type Gateway struct {
	config     *config.Config
	manager    *Manager
	mux        *tunnel.Multiplexer
	store      store.Store
	httpServer *http.Server
	logger     *slog.Logger

	// verifier is nil when no jwt_secret is configured; proxy connections
	// are then accepted without authentication.
	verifier *auth.JWTVerifier
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("ACP_RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	manager := NewManager(logger.With("component", "proxy-manager"))
	mux := tunnel.NewMultiplexer(manager, s, logger.With("component", "tunnel"))

	g := &Gateway{
		config:  cfg,
		manager: manager,
		mux:     mux,
		store:   s,
		logger:  logger.With("component", "gateway"),
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		g.logger.Info("proxy auth enabled (JWT)")
	} else {
		g.logger.Warn("proxy auth disabled - no jwt_secret configured")
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/health", g.handleHealth)
	httpMux.HandleFunc("/health/ready", g.handleReady)
	httpMux.HandleFunc("/ws/proxy", g.handleProxyWS)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Tunnel returns the tunnel multiplexer for issuing operations against runs.
func (g *Gateway) Tunnel() *tunnel.Multiplexer {
	return g.mux
}

// Proxies returns the proxy connection manager.
func (g *Gateway) Proxies() *Manager {
	return g.manager
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one proxy is connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	proxies := g.manager.List()
	if len(proxies) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no proxies connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d proxies)", len(proxies))
}
