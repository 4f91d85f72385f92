package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"hookrelay/internal/deployment"
	"hookrelay/internal/history"
	"hookrelay/internal/notify"
	"hookrelay/internal/repo"
)

const (
	HTTPReadTimeout  = 10 * time.Second
	HTTPWriteTimeout = 10 * time.Second
	HTTPIdleTimeout  = 60 * time.Second

	// RequestTimeout applies to the read-only endpoints.
	RequestTimeout = 60 * time.Second

	// Requests per minute, per client IP.
	GlobalRateLimit  = 12
	WebhookRateLimit = 4
)

// Registry is the read side of the repository table.
type Registry interface {
	Lookup(name string) (*repo.Config, bool)
	List() []string
	Count() int
}

// Deployer runs the deployment protocol for one repository.
type Deployer interface {
	Deploy(ctx context.Context, cfg *repo.Config) *deployment.Outcome
}

// Notifier delivers outcome messages in the background.
type Notifier interface {
	Dispatch(ctx context.Context, msg notify.Message)
	Wait()
}

// Server represents the HTTP server
type Server struct {
	Registry Registry
	Deployer Deployer
	Notifier Notifier
	Locks    *deployment.LockManager

	// History is optional; nil disables audit rows and /status.
	History *history.History

	Logger *slog.Logger

	// Async acknowledges deliveries with 202 before deploying.
	Async bool

	// TestMode disables rate limiting.
	TestMode bool

	// WriteTimeout must cover a whole synchronous deployment.
	WriteTimeout time.Duration

	deployWg   sync.WaitGroup
	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates a new server instance
func NewServer(registry Registry, deployer Deployer, notifier Notifier, hist *history.History, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Registry:     registry,
		Deployer:     deployer,
		Notifier:     notifier,
		Locks:        deployment.NewLockManager(),
		History:      hist,
		Logger:       logger,
		WriteTimeout: HTTPWriteTimeout,
	}
}

// Router creates and configures the HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.Logger))
	r.Use(middleware.Recoverer)

	if !s.TestMode {
		r.Use(NewRateLimitMiddleware(GlobalRateLimit, s.Logger))
	}

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleMethodNotAllowed)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(RequestTimeout))
		r.Get("/health", s.HandleHealth)
		r.Get("/status/{owner}/{name}", s.HandleStatus)
	})

	// No request timeout here: a synchronous delivery lasts as long as the
	// deployment, which enforces its own deadline.
	if !s.TestMode {
		r.With(NewWebhookRateLimitMiddleware(WebhookRateLimit, s.Logger)).Post("/webhook", s.HandleWebhook)
	} else {
		r.Post("/webhook", s.HandleWebhook)
	}

	return r
}

// Start listens on addr and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.Logger.Info("Starting server", "addr", addr, "async", s.Async, "repos", s.Registry.Count())

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  HTTPReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  HTTPIdleTimeout,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	return httpServer.ListenAndServe()
}

// WaitForDeployments blocks until every in-flight deployment has finished.
func (s *Server) WaitForDeployments() {
	s.deployWg.Wait()
}

// Shutdown stops accepting requests, then waits for in-flight deployments
// and their notifications, or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.deployWg.Wait()
		if s.Notifier != nil {
			s.Notifier.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn("Shutdown deadline reached with deployments still running")
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}
