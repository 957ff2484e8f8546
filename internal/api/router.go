// Package api serves the state of a running session over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"segloader/internal/logger"
	"segloader/internal/session"
)

// Snapshotter reports the state of a session.
type Snapshotter interface {
	Snapshot() session.Snapshot
}

type API struct {
	session Snapshotter
	logger  logger.Logger
}

// New returns the router for /healthz, /stats and /metrics.
func New(sess Snapshotter, gatherer prometheus.Gatherer, log logger.Logger) http.Handler {
	api := &API{
		session: sess,
		logger:  log.Named("api"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", api.handleHealth)
	router.Get("/stats", api.handleStats)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return router
}

type health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := a.session.Snapshot()
	if snap.Finished && snap.Error != "" {
		a.writeJSON(w, http.StatusServiceUnavailable, health{Status: "failed", Error: snap.Error})
		return
	}
	a.writeJSON(w, http.StatusOK, health{Status: "ok"})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.session.Snapshot())
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warnf("Failed to write response: %v", err)
	}
}
