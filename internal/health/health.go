// Package health serves liveness, readiness and statistics over HTTP.
package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/ibs-source/telemetry-relay/internal/config"
	"github.com/ibs-source/telemetry-relay/internal/log"
)

const shutdownTimeout = 5 * time.Second

// Target is the component whose state is exposed
type Target interface {
	// Ready fails while the component cannot accept work
	Ready(ctx context.Context) error
	// Snapshot returns a JSON-encodable view of the component state
	Snapshot() any
}

// Server is the health HTTP endpoint
type Server struct {
	srv         *http.Server
	target      Target
	pingTimeout time.Duration
	log         *log.Logger
}

// NewServer creates a server for target
func NewServer(cfg config.HealthConfig, target Target, logger *log.Logger) *Server {
	s := &Server{
		target:      target,
		pingTimeout: cfg.PingTimeout,
		log:         logger,
	}
	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routes wrapped in panic recovery
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.liveness).Methods(http.MethodGet)
	router.HandleFunc("/readyz", s.readiness).Methods(http.MethodGet)
	router.HandleFunc("/stats", s.stats).Methods(http.MethodGet)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.log.GetLogrus()),
		handlers.PrintRecoveryStack(true),
	)(router)
}

// Run serves until ctx is done
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Health endpoint listening on %s", s.srv.Addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.pingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.pingTimeout)
		defer cancel()
	}

	if err := s.target.Ready(ctx); err != nil {
		s.log.Debug("Readiness check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.target.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
