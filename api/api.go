package api

import (
	"log/slog"
	"net"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/papercomputeco/sipfork/router"
)

// Server is the admin API server of a sipfork instance
type Server struct {
	config Config
	router *router.Router
	logger *slog.Logger
	app    *fiber.App
}

// NewServer creates a new API server.
// The registry is served on /metrics when non-nil.
func NewServer(config Config, rt *router.Router, registry *prometheus.Registry, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		config: config,
		router: rt,
		logger: logger,
		app:    app,
	}

	app.Get("/ping", s.handlePing)
	app.Get("/stats", s.handleStats)
	app.Get("/forks", s.handleListForks)
	app.Get("/forks/:id", s.handleGetFork)
	app.Post("/forks/:id/evict", s.handleEvictFork)
	app.Post("/forks/:id/materialize", s.handleMaterializeFork)

	app.Post("/forks", s.handleCreateFork)
	app.Post("/branches/:id/response", s.handleBranchResponse)
	app.Post("/registrations", s.handleRegistration)

	if registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		"listen", s.config.ListenAddr,
	)
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the API server using the provided listener.
func (s *Server) RunWithListener(listener net.Listener) error {
	s.logger.Info("starting API server",
		"listen", listener.Addr().String(),
	)
	return s.app.Listener(listener)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
