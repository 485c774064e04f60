// Package api is the HTTP control surface: account and position
// introspection plus slave lifecycle operations, all delegating to the sync
// engine.
package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"mt5-copytrader/internal/copier"
	"mt5-copytrader/internal/deploy"
)

// Server runs the control-plane HTTP API.
type Server struct {
	app      *fiber.App
	engine   *copier.Engine
	deployer *deploy.Manager
	host     string
	port     int
}

// NewServer creates a server bound to the engine. deployer may be nil when
// container provisioning is disabled.
func NewServer(engine *copier.Engine, deployer *deploy.Manager, host string, port int) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s := &Server{
		app:      app,
		engine:   engine,
		deployer: deployer,
		host:     host,
		port:     port,
	}

	app.Use(requestID)
	s.setupRoutes()
	return s
}

func requestID(c *fiber.Ctx) error {
	c.Set("X-Request-ID", uuid.NewString())
	return c.Next()
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", s.handleHealth)
	s.app.Get("/status", s.handleStatus)
	s.app.Get("/ready", s.handleReady)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	accounts := s.app.Group("/accounts")
	accounts.Get("/", s.handleListAccounts)
	accounts.Get("/slaves", s.handleListSlaves)
	accounts.Post("/slaves", s.handleAddSlave)
	accounts.Put("/slaves/:name", s.handleUpdateSlave)
	accounts.Delete("/slaves/:name", s.handleRemoveSlave)
	accounts.Post("/slaves/:name/enable", s.handleEnableSlave)
	accounts.Post("/slaves/:name/disable", s.handleDisableSlave)
	accounts.Get("/:name", s.handleGetAccount)
	accounts.Post("/:name/reconnect", s.handleReconnect)

	positions := s.app.Group("/positions")
	positions.Get("/", s.handleListPositions)
	positions.Get("/stats", s.handlePositionStats)
	positions.Get("/master/:ticket", s.handleMasterPosition)

	if s.deployer != nil {
		s.app.Post("/deploy/slave", s.handleDeploySlave)
		s.app.Delete("/deploy/slave/:name", s.handleRemoveDeployedSlave)
	}
}

// Start starts the HTTP server and blocks.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting control-plane server")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// fail maps engine errors to HTTP responses.
func fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, copier.ErrSlaveNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, copier.ErrSlaveExists):
		status = fiber.StatusBadRequest
	case errors.Is(err, copier.ErrNotRunning):
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{"success": false, "error": err.Error()})
}
