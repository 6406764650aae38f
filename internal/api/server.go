package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mesh/internal/node"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Subscriber is the MQTT side of the live event relay.
// *mqtt.Client satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// HealthCheckFunc probes one component for GET /health.
type HealthCheckFunc func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Registry *node.Registry

	// MQTT feeds the WebSocket relay. If nil, the relay is disabled and
	// the REST endpoints still work.
	MQTT   Subscriber
	Topics mqtt.Topics

	// Checks are run by GET /health, keyed by component name.
	Checks map[string]HealthCheckFunc

	// Stats returns the counters served by GET /stats.
	Stats func() any

	Version string
}

// Server is the gateway's local status API.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	registry *node.Registry
	mqtt     Subscriber
	topics   mqtt.Topics
	checks   map[string]HealthCheckFunc
	stats    func() any
	version  string

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc // cancels background goroutines on Close()

	addrMu sync.RWMutex
	addr   net.Addr
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("node registry is required")
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		registry: deps.Registry,
		mqtt:     deps.MQTT,
		topics:   deps.Topics,
		checks:   deps.Checks,
		stats:    deps.Stats,
		version:  deps.Version,
		hub:      NewHub(deps.Config.WebSocket, deps.Logger),
		tickets:  newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to the gateway's MQTT output for
// the live relay, binds the listener and serves in a background goroutine.
// The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the listener cannot be bound (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	if err := s.subscribeRelay(); err != nil {
		s.logger.Warn("failed to subscribe for WebSocket relay", "error", err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		s.cancel()
		return fmt.Errorf("binding API listener: %w", err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	s.logger.Info("API server listening",
		"address", ln.Addr().String(),
		"auth", s.authEnabled(),
		"checks", s.checkNames(),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.addrMu.RLock()
	defer s.addrMu.RUnlock()
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Cancel background goroutines (hub, ticket cleanup)
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
