package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the observability endpoints: connection health, cache
// metrics, and the Prometheus scrape target. The domain services own their
// own HTTP surfaces; this is only the cache layer's.
func (app *App) Routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", app.handleHealth).Methods("GET")
	router.HandleFunc("/cache/metrics", app.handleCacheMetrics).Methods("GET")
	router.HandleFunc("/cache/metrics/reset", app.handleCacheMetricsReset).Methods("POST")
	router.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{})).Methods("GET")

	return router
}

func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := app.Health.IsHealthy()

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": healthy,
	})
}

func (app *App) handleCacheMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(app.Metrics.Snapshot())
}

func (app *App) handleCacheMetricsReset(w http.ResponseWriter, r *http.Request) {
	app.Metrics.Reset()
	w.WriteHeader(http.StatusNoContent)
}
