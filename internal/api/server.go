// Package api provides the HTTP REST API and WebSocket server for Fieldgate Core.
//
// It exposes device registry operations, poll worker control, tag discovery,
// broker configuration, and real-time update events to user interfaces.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldgate/fieldgate-core/internal/broadcast"
	"github.com/fieldgate/fieldgate-core/internal/device"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/config"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/logging"
	"github.com/fieldgate/fieldgate-core/internal/infrastructure/mqtt"
	"github.com/fieldgate/fieldgate-core/internal/poll"
	"github.com/fieldgate/fieldgate-core/internal/publish"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config      config.APIConfig
	WS          config.WebSocketConfig
	Security    config.SecurityConfig
	Logger      *logging.Logger
	Registry    *device.Registry
	Manager     *poll.Manager
	Publisher   *publish.Publisher
	Broadcaster *broadcast.Broadcaster
	MQTT        *mqtt.Client
	BrokerStore mqtt.ConfigStore
	Version     string
}

// Server is the HTTP API server for Fieldgate Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	registry    *device.Registry
	manager     *poll.Manager
	publisher   *publish.Publisher
	broadcaster *broadcast.Broadcaster
	mqtt        *mqtt.Client
	brokerStore mqtt.ConfigStore
	version     string
	server      *http.Server
	hub         *Hub
	tickets     *ticketStore
	baseCtx     context.Context    // parent for worker lifetimes started via the API
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. MQTT and the broker
// store are optional; broker endpoints return 503 without them.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("poll manager is required")
	}

	return &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		registry:    deps.Registry,
		manager:     deps.Manager,
		publisher:   deps.Publisher,
		broadcaster: deps.Broadcaster,
		mqtt:        deps.MQTT,
		brokerStore: deps.BrokerStore,
		version:     deps.Version,
		tickets:     newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes it to the update broadcaster for
// real-time relays, and launches the HTTP listener in a background
// goroutine. The server is stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	s.baseCtx = srvCtx

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	go s.cleanTicketsLoop(srvCtx)

	if err := s.relayUpdates(srvCtx); err != nil {
		s.logger.Warn("failed to subscribe to update events for WebSocket", "error", err)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

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

// workerContext is the parent context for poll workers started through
// the API. Workers must outlive the HTTP request that started them.
func (s *Server) workerContext() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// HealthCheck verifies the API server is running.
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
