package participant

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/avfleet/handoff/pkg/store"
)

// ServerConfig holds the participant HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// SweepInterval and RecoveryGrace drive the stale-record sweeper.
	SweepInterval time.Duration
	RecoveryGrace time.Duration
}

// DefaultServerConfig returns the participant server defaults.
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:           addr,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 60 * time.Second,
		SweepInterval:  15 * time.Second,
		RecoveryGrace:  30 * time.Second,
	}
}

// Server is one region's participant HTTP server.
type Server struct {
	cfg      *ServerConfig
	svc      *Service
	router   *chi.Mux
	httpSrv  *http.Server
	watcher  store.ChangeWatcher
	registry *prometheus.Registry
	log      *logrus.Entry
}

// NewServer assembles the router, middleware and metrics for one
// participant. watcher may be nil to disable the live change tail.
func NewServer(cfg *ServerConfig, svc *Service, watcher store.ChangeWatcher) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		cfg:      cfg,
		svc:      svc,
		router:   chi.NewRouter(),
		watcher:  watcher,
		registry: registry,
		log:      logrus.WithField("region", svc.Region()),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))

	h := NewHandlers(svc, NewMetrics(registry))
	s.router.Get("/health", h.Health)
	s.router.Get("/stats", h.Stats)
	s.router.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)

	s.router.Route("/rides", func(r chi.Router) {
		r.Post("/", h.CreateRide)
		r.Get("/", h.ListRides)
		r.Get("/{id}", h.GetRide)
		r.Put("/{id}", h.UpdateRide)
		r.Delete("/{id}", h.DeleteRide)
	})

	s.router.Route("/2pc", func(r chi.Router) {
		r.Post("/prepare", h.Prepare)
		r.Post("/commit", h.Commit)
		r.Post("/abort", h.Abort)
	})

	if watcher != nil {
		s.router.Get("/ws/changes", ChangeTail(watcher, s.log))
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      gzhttp.GzipHandler(s.router),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the mux for in-process tests.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

// Start runs the server and its background sweeper until a shutdown
// signal arrives or the listener fails.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.svc.RunSweeper(ctx, s.cfg.SweepInterval, s.cfg.RecoveryGrace)

	s.log.WithField("addr", s.cfg.Addr).Info("participant server starting")

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		s.log.WithField("signal", sig.String()).Info("shutting down")
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return err
	}
	s.log.Info("participant server stopped")
	return nil
}
