package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ServerConfig holds configuration for the scrape endpoint. Port 0 disables it.
type ServerConfig struct {
	Port    int           `env:"METRICS_PORT" envDefault:"0"`
	Path    string        `env:"METRICS_PATH" envDefault:"/metrics"`
	Timeout time.Duration `env:"METRICS_TIMEOUT" envDefault:"30s"`
}

// Server exposes a Registry for scraping. Scrapes of the endpoint are
// themselves counted in the registry.
type Server struct {
	srv     *http.Server
	path    string
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer creates a scrape server for registry.
func NewServer(config ServerConfig, registry *Registry, logger *zap.Logger) *Server {
	path := config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.InstrumentMetricHandler(registry.registry, registry.Handler()))

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           mux,
			ReadHeaderTimeout: config.Timeout,
			WriteTimeout:      config.Timeout,
		},
		path:    path,
		timeout: config.Timeout,
		logger:  logger.Named("metrics-server"),
	}
}

// Start binds the configured port and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics server failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves scrapes on ln until ctx is done, then shuts down within the
// configured timeout. ln is closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()), zap.String("path", s.path))

	served := make(chan error, 1)
	go func() { served <- s.srv.Serve(ln) }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("metrics server did not shut down cleanly", zap.Error(err))
		return err
	}

	s.logger.Info("metrics server stopped")
	return nil
}
