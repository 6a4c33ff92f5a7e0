// Package api exposes the bridge over HTTP: the WebSocket upgrade
// routes for the state-sync and generic event channels, the REST
// fallback for clients without a persistent connection, and metrics.
package api

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ws "github.com/statebridge/statebridge/internal/api/websocket"
	"github.com/statebridge/statebridge/internal/bridge"
	"github.com/statebridge/statebridge/internal/events"
	"github.com/statebridge/statebridge/internal/fanout"
	"github.com/statebridge/statebridge/internal/registry"
	"github.com/statebridge/statebridge/internal/statesync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers talk to this service from arbitrary origins; access
		// control happens at the token layer.
		return true
	},
}

// Bridge is the slice of the bridge client the HTTP layer and the
// connection handlers consume. Satisfied by *bridge.Client.
type Bridge interface {
	GetState(ctx context.Context, stateType, stateID string) (bridge.Snapshot, bridge.Result)
	SetState(ctx context.Context, stateType, stateID string, state map[string]string) bridge.Result
	SendEvent(ctx context.Context, eventType string, data map[string]string) bridge.Result
}

// Config holds server configuration.
type Config struct {
	Addr       string // e.g. ":8800"
	AuthSecret string // HMAC secret for incoming JWTs; empty disables auth
}

// Server is the HTTP face of the bridge process.
type Server struct {
	echo       *echo.Echo
	registry   *registry.Registry
	bridge     Bridge
	worker     *fanout.Worker
	addr       string
	authSecret []byte
}

// NewServer wires the HTTP routes over an existing registry, bridge
// client, and fan-out worker.
func NewServer(reg *registry.Registry, client Bridge, worker *fanout.Worker, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	s := &Server{
		echo:     e,
		registry: reg,
		bridge:   client,
		worker:   worker,
		addr:     cfg.Addr,
	}
	if cfg.AuthSecret != "" {
		s.authSecret = []byte(cfg.AuthSecret)
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Persistent connections.
	e.GET("/ws/state", s.handleStateSync)
	e.GET("/ws/state/:state_type/:state_id", s.handleStateSync)
	e.GET("/ws/events", s.handleEvents(events.New))
	e.GET("/ws/agent", s.handleEvents(events.NewAgent))
	e.GET("/ws/ml", s.handleEvents(events.NewML))

	// REST fallback for clients without a persistent connection.
	e.GET("/state/", s.handleStateList)
	e.GET("/state/:id", s.handleStateGet)
	e.PUT("/state/:id", s.handleStateSet)
	e.POST("/state/:id", s.handleStateSet)
}

// Handler exposes the route tree, mainly for tests that mount the
// server on an httptest listener.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	log.Printf("[API] Listening on %s", s.addr)
	err := s.echo.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Count(),
		"worker":      s.worker.Running(),
	})
}

// handleStateSync upgrades the connection and runs a state-sync handler
// bound to the requested partition, defaulting to shared/default.
func (s *Server) handleStateSync(c echo.Context) error {
	if _, err := s.principal(c); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("[API] WebSocket upgrade failed: %v", err)
		return err
	}

	conn := ws.NewConn(raw)
	h := statesync.New(s.registry, s.bridge, conn, c.Param("state_type"), c.Param("state_id"))

	ctx := c.Request().Context()
	h.Start(ctx)
	conn.Run(func(data []byte) {
		h.HandleMessage(ctx, data)
	}, h.Close)
	return nil
}

// eventHandlerFunc builds one of the event handler variants; the base
// handler and its role specializations share a constructor shape.
type eventHandlerFunc func(reg events.Registrar, subs events.Subscriptions, sender events.EventSender, conn registry.Sender, principal string) *events.Handler

// handleEvents upgrades the connection and runs a generic event handler
// built by construct.
func (s *Server) handleEvents(construct eventHandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		principal, err := s.principal(c)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}

		raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Printf("[API] WebSocket upgrade failed: %v", err)
			return err
		}

		conn := ws.NewConn(raw)
		h := construct(s.registry, s.worker, s.bridge, conn, principal)

		ctx := c.Request().Context()
		h.Start(ctx)
		conn.Run(func(data []byte) {
			h.HandleMessage(ctx, data)
		}, h.Close)
		return nil
	}
}
