// Package followersvc exposes the follower's status over HTTP as plain
// JSON, alongside a Prometheus /metrics handler, so an operator or
// orchestrator can observe a running follower without attaching to its
// logs (spec.md §9 supplemented feature #3).
package followersvc

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/estuary/dbfollower/follower"
)

// Snapshotter is satisfied by *follower.Loop.
type Snapshotter interface {
	Snapshot() follower.State
}

// NewMux builds an http.ServeMux serving GET /status (the loop's current
// ApplierState as JSON) and GET /metrics (Prometheus exposition format).
// metricsHandler is typically promhttp.Handler(), passed in so callers
// registering against a non-default Registerer can supply their own.
func NewMux(loop Snapshotter, metricsHandler http.Handler) *http.ServeMux {
	var mux = http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(loop.Snapshot()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	mux.Handle("/metrics", metricsHandler)
	return mux
}
