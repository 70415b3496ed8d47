// Package api exposes incidents and evidence references read-only over
// HTTP, plus the Prometheus metrics endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"orbitwatch/internal/ipfs"
	"orbitwatch/internal/store"
)

const maxIncidentLimit = 100

// Server serves the read API. It holds only read access to the store.
type Server struct {
	store   store.Store
	fetcher ipfs.Fetcher
	logger  *zap.Logger
}

// NewServer builds the API server.
func NewServer(st store.Store, fetcher ipfs.Fetcher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: st, fetcher: fetcher, logger: logger}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/incidents", s.handleIncidents)
	mux.HandleFunc("/evidence/", s.handleEvidence)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("api listening", zap.Int("port", port))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > maxIncidentLimit {
		limit = maxIncidentLimit
	}

	incidents, err := s.store.ListIncidents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list incidents failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	cid := strings.TrimPrefix(r.URL.Path, "/evidence/")
	if cid == "" || strings.Contains(cid, "/") {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"cid":        cid,
		"gatewayUrl": s.fetcher.GatewayURL(cid),
		"note":       fmt.Sprintf("Run: orbitwatch recompute --cid %s", cid),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
