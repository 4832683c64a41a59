// Package server exposes the certificate authority over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/margo/sealed-telemetry/poc/pki/api"
	"github.com/margo/sealed-telemetry/shared-lib/certs/pki"
	"github.com/margo/sealed-telemetry/shared-lib/contentstore"
	"github.com/margo/sealed-telemetry/shared-lib/http/auth"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

// Authority is the part of pki.Authority the server needs.
type Authority interface {
	Issue(ctx context.Context, deviceID string) (*pki.IssuedBundle, error)
	LookupCurrentAddress(ctx context.Context, deviceID string) (*pki.PublicKeyRecord, error)
}

// Server serves certificate issuance, public key lookup and the content gateway.
type Server struct {
	authority  Authority
	content    contentstore.Fetcher
	metrics    *metrics
	log        *zap.SugaredLogger
	router     *mux.Router
	httpServer *http.Server
}

// New creates a server. content backs the /ipfs gateway and may be nil to disable it.
func New(cfg Config, authority Authority, content contentstore.Fetcher, log *zap.SugaredLogger) *Server {
	s := &Server{
		authority: authority,
		content:   content,
		metrics:   newMetrics(),
		log:       logging.OrNop(log),
		router:    mux.NewRouter().UseEncodedPath(),
	}
	s.registerRoutes(cfg.RegisterToken)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Infow("PKI server starting", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Infow("Shutting down PKI server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.log.Infow("PKI server shut down gracefully")
		return nil
	case err := <-errChan:
		return err
	}
}

func (s *Server) registerRoutes(registerToken string) {
	s.router.Use(s.logRequests)

	s.router.Handle(api.RegisterPath, auth.RequireBearer(registerToken, http.HandlerFunc(s.handleRegister))).Methods(http.MethodPost)
	s.router.HandleFunc(api.PublicKeyPath, s.handlePublicKey).Methods(http.MethodGet)
	if s.content != nil {
		s.router.HandleFunc(api.GatewayPath, s.handleGateway).Methods(http.MethodGet)
	}
	s.router.HandleFunc(api.HealthPath, s.handleHealth).Methods(http.MethodGet)
	s.router.Handle(api.MetricsPath, promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debugw("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String())
	})
}
