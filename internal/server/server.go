package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bananajs/banana/internal/config"
	"github.com/bananajs/banana/internal/handlers"
	"github.com/bananajs/banana/internal/logger"
	"github.com/bananajs/banana/internal/middleware"
	"github.com/bananajs/banana/internal/services"
	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
)

const shutdownTimeout = 5 * time.Second

// Server wires the dev-session components together: static files, the
// session gateway, the SSE mirror, the file watcher and the metrics ticker.
// It holds no global state; each Server owns its registry.
type Server struct {
	cfg *config.Config
	app *fiber.App

	registry *services.ConnectionRegistry
	clock    *services.BuildClock
	watcher  *services.FileWatchBroadcaster
	metrics  *services.MetricsPublisher
	spawner  services.Spawner

	sessions *handlers.SessionHandler
	events   *handlers.EventsHandler

	stopOnce sync.Once
	stopErr  error
}

type Option func(*Server)

// WithSpawner replaces the PTY spawner, mainly for tests.
func WithSpawner(sp services.Spawner) Option {
	return func(s *Server) { s.spawner = sp }
}

// New builds a server from cfg. Nothing is started until Serve.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := services.NewCommandPolicy(cfg.Terminal.BlockedPatterns)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		registry: services.NewConnectionRegistry(),
		clock:    services.NewBuildClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.spawner == nil {
		s.spawner = services.NewPTYSpawner(cfg.Shell)
	}

	s.watcher = services.NewFileWatchBroadcaster(s.registry, s.clock, cfg.ProjectDir, cfg.CoalesceWindow())
	s.metrics = services.NewMetricsPublisher(s.registry, s.clock, cfg.MetricsInterval())
	s.sessions = handlers.NewSessionHandler(s.registry, s.spawner, policy, handlers.SessionOptions{
		Shell:        cfg.Shell,
		WorkspaceDir: cfg.WorkspaceDir,
		Cols:         uint16(cfg.Terminal.Cols),
		Rows:         uint16(cfg.Terminal.Rows),
		SendQueue:    cfg.Session.SendQueue,
	})
	s.events = handlers.NewEventsHandler(s.registry)

	s.app = fiber.New(fiber.Config{
		AppName:               "banana",
		DisableStartupMessage: true,
	})
	s.app.Use(fiberrecover.New())
	s.app.Use(handlers.SamplingLogger())

	v1 := s.app.Group("/v1", middleware.NewAuthMiddleware(cfg.AuthSecret).RequireAuth)
	s.sessions.RegisterRoutes(v1)
	s.events.RegisterRoutes(v1)
	handlers.NewBuildHandler(s.clock, s.registry).RegisterRoutes(v1)

	s.app.Use(handlers.ServeStatic(handlers.StaticFS(cfg.StaticDir)))

	return s, nil
}

func (s *Server) App() *fiber.App                        { return s.app }
func (s *Server) Registry() *services.ConnectionRegistry { return s.registry }
func (s *Server) Clock() *services.BuildClock            { return s.clock }

// Listen opens the configured address so port conflicts surface before
// anything else starts.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	return ln, nil
}

// Run listens on the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve starts the watcher and metrics ticker and serves HTTP on ln until ctx
// is cancelled or the listener fails. It always stops everything it started.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.watcher.Start(s.cfg.WatchRoots(), s.cfg.Watch.Exclude); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	s.metrics.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listener(ln)
	}()

	logger.Infof("🍌 banana listening on http://%s (static: %s, workspace: %s)", ln.Addr(), s.cfg.StaticDir, s.cfg.WorkspaceDir)

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		stopErr := s.Stop()
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return stopErr
	}
}

// Stop closes every channel, stops the background producers and shuts the
// HTTP server down. Safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		logger.Info("🛑 Shutting down")
		s.sessions.Shutdown()
		s.events.Shutdown()
		s.watcher.Stop()
		s.metrics.Stop()

		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			s.stopErr = err
		}
	})
	return s.stopErr
}
