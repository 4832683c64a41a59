package main

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

	"github.com/margo/sealed-telemetry/poc/device/sender/discovery"
	httputils "github.com/margo/sealed-telemetry/shared-lib/http"
)

type statusServer struct {
	httpServer *http.Server
	log        *zap.SugaredLogger
}

func newStatusServer(addr string, watcher *discovery.Watcher, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *statusServer {
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, address, ok := watcher.Current()
		httputils.WriteJSON(w, http.StatusOK, map[string]any{
			"status":        "running",
			"keyDiscovered": ok,
			"keyAddress":    address,
		})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &statusServer{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (s *statusServer) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.log.Infow("Sender status server starting", "address", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown error: %w", err)
		}
		return nil
	case err := <-errChan:
		return err
	}
}
