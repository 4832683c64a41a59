package display

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	httputils "github.com/margo/sealed-telemetry/shared-lib/http"
	"github.com/margo/sealed-telemetry/shared-lib/logging"
)

const (
	WebsocketPath = "/ws"
	HealthPath    = "/health"
	MetricsPath   = "/metrics"
)

// Server exposes the hub, a health check and the receiver metrics.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	log        *zap.SugaredLogger
}

// NewServer creates a server listening on addr. gatherer may be nil to disable /metrics.
func NewServer(addr string, hub *Hub, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *Server {
	s := &Server{router: mux.NewRouter(), log: logging.OrNop(log)}

	s.router.Handle(WebsocketPath, hub).Methods(http.MethodGet)
	s.router.HandleFunc(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		httputils.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": hub.Clients()})
	}).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle(MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Infow("Display server starting", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// websocket connections are hijacked and not tracked by Shutdown
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("display server shutdown error: %w", err)
		}
		s.log.Infow("Display server shut down")
		return nil
	case err := <-errChan:
		return err
	}
}
