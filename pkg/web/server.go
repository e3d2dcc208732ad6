// Package web exposes the conversation engine to a browser: session
// control, status and transcript over HTTP, live status over a websocket,
// and Prometheus metrics.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/go-tutor/pkg/engine"
	"github.com/teslashibe/go-tutor/pkg/hub"
)

// Engine is the part of the conversation engine the server drives.
type Engine interface {
	Start(ctx context.Context, agentID string) error
	Stop() error
	Toggle(ctx context.Context, agentID string) error
	Status() engine.Status
	Transcript() []engine.TranscriptEvent
	OnStatus(fn func(engine.Status))
}

// Config configures the server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// DefaultAgentID is used when a request names no agent.
	DefaultAgentID string

	// StaticDir, if set, is served at "/".
	StaticDir string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP front end of the engine.
type Server struct {
	app       *fiber.App
	cfg       Config
	engine    Engine
	statusHub *hub.Hub
	logger    *slog.Logger
}

// NewServer creates a server for eng and subscribes to its status changes.
func NewServer(eng Engine, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		statusHub: hub.New("status", cfg.Logger),
		logger:    cfg.Logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Tutor",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})

	// CORS for local development
	app.Use(cors.New())

	app.Get("/healthz", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/transcript", s.handleTranscript)
	api.Post("/session/start", s.handleStart)
	api.Post("/session/stop", s.handleStop)
	api.Post("/session/toggle", s.handleToggle)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app

	eng.OnStatus(func(st engine.Status) {
		if err := s.statusHub.BroadcastJSON(st); err != nil {
			s.logger.Warn("failed to broadcast status", "error", err)
		}
	})
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	hubCtx, cancelHub := context.WithCancel(ctx)
	defer cancelHub()
	go s.statusHub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("web server listening", "addr", s.cfg.Addr)
		errCh <- s.app.Listen(s.cfg.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("web server shutting down")
	cancelHub()
	if err := s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}

// Hub returns the status hub.
func (s *Server) Hub() *hub.Hub {
	return s.statusHub
}
