package coordinator

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

	"github.com/avfleet/handoff/pkg/txlog"
)

// ServerConfig holds the coordinator HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// DefaultServerConfig returns the coordinator server defaults.
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:           addr,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// Server is the coordinator process: the HTTP surface plus the health
// monitor and recovery scanner supervised as background tasks.
type Server struct {
	cfg      *ServerConfig
	router   *chi.Mux
	httpSrv  *http.Server
	monitor  *HealthMonitor
	recovery *Recovery
	registry *prometheus.Registry
	log      *logrus.Entry
}

// NewServer assembles the coordinator server.
func NewServer(cfg *ServerConfig, coord *Coordinator, qr *QueryRouter, tl txlog.Log, monitor *HealthMonitor, recovery *Recovery, registry *prometheus.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		monitor:  monitor,
		recovery: recovery,
		registry: registry,
		log:      logrus.WithField("component", "coordinator-server"),
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))

	h := NewHandlers(coord, qr, tl)
	s.router.Post("/handoff", h.Handoff)
	s.router.Post("/rides/search", h.Search)
	s.router.Get("/rides/{id}/owner", h.Owner)
	s.router.Get("/stats/all", h.StatsAll)
	s.router.Get("/health/all", h.HealthAll)
	s.router.Get("/transactions/history", h.History)
	s.router.Get("/transactions/{tx_id}", h.Transaction)
	if registry != nil {
		s.router.Get("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP)
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

// Start runs the HTTP server and the supervised background loops
// until a shutdown signal arrives or the listener fails.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if s.monitor != nil {
		go s.monitor.Run(ctx)
	}
	if s.recovery != nil {
		go s.recovery.Run(ctx)
	}

	s.log.WithField("addr", s.cfg.Addr).Info("coordinator server starting")

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
	s.log.Info("coordinator server stopped")
	return nil
}
