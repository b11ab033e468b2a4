// Package ops exposes the operational HTTP surface: health, status, the
// monitored set, manual refresh, and metrics.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"domainwatch/internal/domain"
	"domainwatch/internal/monitor"
	"domainwatch/internal/platform/config"
	"domainwatch/internal/platform/metrics"
	"domainwatch/internal/platform/middleware"
	"domainwatch/pkg/platform/sentinel"
)

// Handler serves the ops endpoints. It only reads monitor state; the one
// mutating endpoint (refresh) delegates to the monitor.
type Handler struct {
	logger  *slog.Logger
	monitor *monitor.Monitor
	metrics *metrics.Metrics
}

// New creates the ops Handler.
func New(mon *monitor.Monitor, m *metrics.Metrics, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, monitor: mon, metrics: m}
}

// Router builds the chi router with the standard middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))

	r.Get("/health", h.handleHealth)
	r.Get("/status", h.handleStatus)
	r.Get("/domains", h.handleDomains)
	r.Get("/domain/{name}", h.handleDomain)
	r.Post("/refresh", h.handleRefresh)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/metrics/reset", h.handleMetricsReset)
	r.Method(http.MethodGet, "/metrics/prom",
		promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Healthy(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": config.AppVersion,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Status())
}

type domainSummary struct {
	Domain        string    `json:"domain"`
	Priority      bool      `json:"priority"`
	Status        string    `json:"status"`
	Confidence    float64   `json:"confidence"`
	LastCheckedAt time.Time `json:"last_checked_at,omitzero"`
	NextCheckAt   time.Time `json:"next_check_at"`
}

func (h *Handler) handleDomains(w http.ResponseWriter, r *http.Request) {
	records := h.monitor.Domains()
	out := make([]domainSummary, 0, len(records))
	priority := 0
	for _, rec := range records {
		if rec.Priority {
			priority++
		}
		out = append(out, summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         len(out),
		"high_priority": priority,
		"domains":       out,
	})
}

func (h *Handler) handleDomain(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	rec, err := h.monitor.Domain(name)
	if errors.Is(err, sentinel.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "domain not monitored"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()
	if err := h.monitor.Refresh(ctx); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"domains_count": h.monitor.Status().Domains,
	})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	opts := metrics.SnapshotOptions{
		Counters:     queryFlag(r, "include_counters"),
		Timers:       queryFlag(r, "include_timers"),
		APIStats:     queryFlag(r, "include_api"),
		CheckResults: queryFlag(r, "include_check_results"),
	}
	writeJSON(w, http.StatusOK, h.metrics.Snapshot(opts))
}

func (h *Handler) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	h.metrics.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func summarize(rec domain.Record) domainSummary {
	return domainSummary{
		Domain:        rec.Name,
		Priority:      rec.Priority,
		Status:        rec.LastVerdict.String(),
		Confidence:    rec.LastConfidence,
		LastCheckedAt: rec.LastCheckedAt,
		NextCheckAt:   rec.NextCheckAt,
	}
}

// queryFlag reads a boolean query parameter, defaulting to true when the
// parameter is absent or unparseable.
func queryFlag(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
