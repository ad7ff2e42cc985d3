// Package httpapi exposes the operational HTTP surface: health, Prometheus
// metrics, the latest and historical accumulation metrics, on-demand data
// quality reports and a websocket feed of new signals.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/domain"
	"github.com/whalepulse/whalepulse/internal/persistence"
	"github.com/whalepulse/whalepulse/internal/quality"
)

const (
	defaultHistoryHours = 168
	maxHistoryHours     = 24 * 90
)

// QualityChecker produces an on-demand data quality report.
type QualityChecker interface {
	Validate(ctx context.Context) (*quality.Report, error)
}

// Server is the HTTP surface. It also implements the scheduler's event
// sink so new signals reach websocket subscribers.
type Server struct {
	router    *mux.Router
	repos     persistence.Repository
	validator QualityChecker
	network   string
	hub       *Hub
	upgrader  websocket.Upgrader
}

func NewServer(repos persistence.Repository, validator QualityChecker, network string) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		repos:     repos,
		validator: validator,
		network:   network,
		hub:       NewHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/metrics/latest", s.handleLatestMetric).Methods(http.MethodGet)
	api.HandleFunc("/metrics/history", s.handleMetricHistory).Methods(http.MethodGet)
	api.HandleFunc("/quality", s.handleQuality).Methods(http.MethodGet)

	s.router.HandleFunc("/ws/signals", s.handleSignals)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// MetricComputed pushes a freshly computed metric to websocket subscribers.
func (s *Server) MetricComputed(_ context.Context, m *persistence.AccumulationMetric) {
	s.hub.Broadcast("metric", m)
}

// QualityChanged pushes a data quality transition to websocket subscribers.
func (s *Server) QualityChanged(_ context.Context, status domain.QualityStatus, score float64, topIssue string) {
	s.hub.Broadcast("quality", map[string]any{
		"status":    status,
		"score":     score,
		"top_issue": topIssue,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode http response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	latest, err := s.repos.Snapshots.GetLatestSnapshotInstant(r.Context(), s.network)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"network":         s.network,
		"latest_snapshot": latest,
	})
}

func (s *Server) handleLatestMetric(w http.ResponseWriter, r *http.Request) {
	metric, err := s.repos.Metrics.GetLatest(r.Context(), s.network)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if metric == nil {
		writeError(w, http.StatusNotFound, "no metrics computed yet")
		return
	}
	writeJSON(w, http.StatusOK, metric)
}

func (s *Server) handleMetricHistory(w http.ResponseWriter, r *http.Request) {
	hours := defaultHistoryHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryHours {
			writeError(w, http.StatusBadRequest, "hours must be a positive integer up to "+strconv.Itoa(maxHistoryHours))
			return
		}
		hours = parsed
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	metrics, err := s.repos.Metrics.GetSince(r.Context(), s.network, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"network": s.network,
		"hours":   hours,
		"count":   len(metrics),
		"metrics": metrics,
	})
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	report, err := s.validator.Validate(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "quality validation failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.hub.add(conn)
	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket client connected")

	// Reader loop only to detect disconnects; the feed is write-only.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
