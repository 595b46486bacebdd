// Package server exposes the workflow engine over HTTP and WebSocket.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pathomics/wsiflow/config"
	"github.com/pathomics/wsiflow/errors"
	"github.com/pathomics/wsiflow/workflow"
)

// Server serves the workflow API: REST surface for submission and
// inspection, WebSocket surface for live progress.
type Server struct {
	cfg       *config.Config
	store     *workflow.Store
	tenants   *workflow.TenantManager
	scheduler *workflow.Scheduler
	driver    *workflow.Driver
	hub       *workflow.ProgressHub
	logger    *zap.SugaredLogger

	mu             sync.RWMutex
	allowedOrigins []string

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the HTTP surface over the engine components
func NewServer(cfg *config.Config, store *workflow.Store, tenants *workflow.TenantManager, scheduler *workflow.Scheduler, driver *workflow.Driver, hub *workflow.ProgressHub, log *zap.SugaredLogger) *Server {
	return &Server{
		cfg:            cfg,
		store:          store,
		tenants:        tenants,
		scheduler:      scheduler,
		driver:         driver,
		hub:            hub,
		logger:         log.Named("server"),
		allowedOrigins: cfg.Server.AllowedOrigins,
		startedAt:      time.Now().UTC(),
	}
}

// SetAllowedOrigins swaps the origin allowlist, used by config reload
func (s *Server) SetAllowedOrigins(origins []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowedOrigins = origins
}

func (s *Server) originAllowlist() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowedOrigins
}

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// findAvailablePort tries the requested port first, then up to 10
// alternatives above it
func findAvailablePort(requestedPort int) (int, error) {
	if isPortAvailable(requestedPort) {
		return requestedPort, nil
	}
	for i := 1; i <= 10; i++ {
		if isPortAvailable(requestedPort + i) {
			return requestedPort + i, nil
		}
	}
	return 0, errors.Newf("no available ports found (tried %d-%d)", requestedPort, requestedPort+10)
}

// Start binds the listener and serves until Shutdown. The call blocks.
func (s *Server) Start(port int) error {
	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative", "requested", port, "actual", actualPort)
	}

	mux := http.NewServeMux()
	s.setupHTTPRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No blanket write timeout: WebSocket connections outlive any
		// sane request deadline.
	}

	s.logger.Infow("Server listening",
		"port", actualPort,
		"api_prefix", s.cfg.App.APIPrefix,
		"max_workers", s.scheduler.MaxWorkers())

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// Shutdown drains the HTTP server within the context deadline
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Infow("Server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "http shutdown failed")
	}
	return nil
}
