package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"edgeproxy/internal/config"
	"edgeproxy/internal/handlers"
	"edgeproxy/internal/metrics"
	"edgeproxy/internal/middleware"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"
)

// Deps are the collaborators behind the admin API. Database and Reputation
// may be nil when the gateway runs in pass-through mode.
type Deps struct {
	Database   handlers.Pinger
	Reputation handlers.ReputationService
	Trust      middleware.TrustChecker
	Metrics    *metrics.Collector
	Logger     *slog.Logger
}

// Server is the administrative API
type Server struct {
	app    *fiber.App
	config *config.Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates the admin server
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:      "edgeproxy admin",
		ReadTimeout:  cfg.Admin.ReadTimeout,
		WriteTimeout: cfg.Admin.WriteTimeout,
		ErrorHandler: errorHandler(deps.Logger),
	})

	s := &Server{
		app:    app,
		config: cfg,
		deps:   deps,
		logger: deps.Logger.With("component", "admin"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// App exposes the fiber app for in-process testing
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) setupMiddleware() {
	s.app.Use(recover.New())

	// Request ID before logging so the log line carries it
	s.app.Use(middleware.RequestID())
	s.app.Use(middleware.SecurityHeaders())

	if s.config.IsProduction() {
		s.app.Use(logger.New(logger.Config{
			Format: `{"time":"${time}","status":${status},"method":"${method}","path":"${path}","latency":"${latency}","ip":"${ip}","request_id":"${locals:request_id}"}` + "\n",
		}))
	} else {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${method} ${path} ${latency} [${locals:request_id}]\n",
		}))
	}

	s.app.Use(middleware.NewRateLimitMiddleware(&s.config.RateLimit).Middleware())
}

func (s *Server) setupRoutes() {
	handlers.NewHealthHandler(s.deps.Database).RegisterRoutes(s.app)

	if s.deps.Metrics != nil {
		path := s.config.Admin.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.app.Get(path, adaptor.HTTPHandler(s.deps.Metrics.Handler()))
	}

	admin := s.app.Group("/admin", middleware.TrustedOnly(s.deps.Trust, s.logger))
	handlers.NewAdminHandler(s.reputation(), s.logger).RegisterRoutes(admin)

	s.app.Use(func(c fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "Not found",
			"path":       c.Path(),
			"request_id": middleware.GetRequestID(c),
		})
	})
}

func (s *Server) reputation() handlers.ReputationService {
	if s.deps.Reputation == nil {
		return disabledReputation{}
	}
	return s.deps.Reputation
}

// Addr returns the bound address once listening, else the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Admin.Addr
}

// Start serves the admin API until ctx is cancelled or serving fails
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.Admin.Addr
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("admin API listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.Listener(listener, fiber.ListenConfig{DisableStartupMessage: true}); err != nil && !errors.Is(err, net.ErrClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.logger.Info("shutting down admin API")
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler renders unhandled errors as JSON
func errorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		}

		requestID := middleware.GetRequestID(c)
		if code >= fiber.StatusInternalServerError {
			log.Error("admin request error", "error", err, "request_id", requestID, "status", code)
		}

		return c.Status(code).JSON(fiber.Map{
			"error":      message,
			"status":     code,
			"timestamp":  time.Now().Unix(),
			"request_id": requestID,
		})
	}
}
