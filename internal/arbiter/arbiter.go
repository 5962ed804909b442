// Package arbiter implements the Arbiter Service (AS), spec.md §4.4: the
// public request_token/report_result/healthz/metrics HTTP contract, backed
// by the Atomic Permit Script and Observation Ingester in internal/permit.
// It follows the teacher's dual main+admin server lifecycle
// (internal/server/server.go), trimmed of its proxy/TLS/HTTP3 concerns,
// since the Arbiter Service terminates plain HTTP/h2c traffic from an
// in-fleet caller set rather than public internet clients.
package arbiter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/permitarbiter/arbiter/internal/config"
	"github.com/permitarbiter/arbiter/internal/events"
	"github.com/permitarbiter/arbiter/internal/observability"
	"github.com/permitarbiter/arbiter/internal/permit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/semaphore"
)

// tracer provides the spans wrapping each request_token/report_result call
// (spec.md §4.4), propagated into the Shared Counter Store round trip the
// same way observability.InitTracing's OTLP exporter expects: one span per
// externally observable unit of work, not per internal function call.
var tracer = otel.Tracer("github.com/permitarbiter/arbiter/internal/arbiter")

// Service is the Arbiter Service.
type Service struct {
	cfg     config.PermitConfig
	logger  *slog.Logger
	version string

	engine  *permit.Engine
	emitter *events.Emitter

	mainServer  *http.Server
	adminServer *http.Server

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error

	// storeSem bounds concurrent APS/OI script executions against the
	// store (StoreConfig.MaxConcurrentOps), guarding against a thundering
	// herd from a fleet spike.
	storeSem *semaphore.Weighted
}

// New builds the Arbiter Service. pinger is pinged by the deep /readyz
// check and, when Server.StoreRequiredForHealth is set, by the main
// listener's /healthz (spec.md §4.4 "healthz: returns success only when SCS
// is reachable"). reg/metrics are built once in cmd/arbiter/main.go via
// observability.NewRegistryAndMetrics, shared with the store's
// InstrumentedClient so /metrics reports the same StoreLatencyMS series the
// store package actually observes.
func New(cfg *config.Config, logger *slog.Logger, version string, engine *permit.Engine, pinger observability.Pinger, reg *prometheus.Registry, metrics *observability.Metrics) *Service {
	health := observability.NewHealthChecker()
	health.SetStorePinger(pinger)

	emitter := events.NewEmitter(cfg.Events, logger, metrics)

	maxConcurrentOps := cfg.Store.MaxConcurrentOps
	if maxConcurrentOps <= 0 {
		maxConcurrentOps = 256
	}

	s := &Service{
		cfg:      cfg.Permit,
		logger:   logger.With("component", "arbiter"),
		version:  version,
		engine:   engine,
		emitter:  emitter,
		health:   health,
		metrics:  metrics,
		storeSem: semaphore.NewWeighted(int64(maxConcurrentOps)),
	}

	s.mainServer = s.buildMainServer(cfg, pinger)
	s.adminServer = s.buildAdminServer(cfg, health, reg)

	return s
}

func (s *Service) buildMainServer(cfg *config.Config, pinger observability.Pinger) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 10*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 10*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 60*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /request_token", s.requestTokenHandler)
	mux.HandleFunc("POST /report_result", s.reportResultHandler)
	healthz := s.health.HealthzHandler()
	if cfg.Server.StoreRequiredForHealth && pinger != nil {
		alive := healthz
		healthz = func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				http.Error(w, `{"status":"store_unreachable"}`, http.StatusServiceUnavailable)
				return
			}
			alive(w, r)
		}
	}
	mux.Handle("GET /healthz", healthz)

	h2s := &http2.Server{}
	handler := h2c.NewHandler(mux, h2s)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func (s *Service) buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	readTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/startz", health.StartzHandler())
	mux.Handle("/healthz", health.HealthzHandler())
	mux.Handle("/readyz", health.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Run starts both the main and admin servers and blocks until ctx is
// canceled, then performs a graceful shutdown.
func (s *Service) Run(ctx context.Context, tracingCfg config.TracingConfig) error {
	tracingShutdown, err := observability.InitTracing(ctx, tracingCfg, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 2)
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("arbiter is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Service) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.adminServer.Addr)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Service) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("arbiter server starting", "address", s.mainServer.Addr)

	ln, listenErr := net.Listen("tcp", s.mainServer.Addr)
	if listenErr != nil {
		errCh <- fmt.Errorf("arbiter server listen: %w", listenErr)
		return
	}
	close(readyCh)

	if err := s.mainServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("arbiter server: %w", err)
	}
}

func (s *Service) shutdown() error {
	s.health.SetNotReady()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}
	if s.emitter != nil {
		if err := s.emitter.Close(); err != nil {
			s.logger.Error("events emitter close error", "error", err)
		}
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
