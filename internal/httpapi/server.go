// Package httpapi carries the operational HTTP surface shared by the
// binaries: liveness, readiness and the Prometheus scrape endpoint. The
// orchestrator exposes only this mux; the API server mounts the same probes
// next to its routes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *http.ServeMux
}

// New builds the ops mux with /metrics mounted and the probe endpoints
// wired to the given readiness checks.
func New(readyzTimeout time.Duration, checks ...ReadyzCheck) *Server {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", Healthz())
	m.HandleFunc("/readyz", Readyz(readyzTimeout, checks...))
	return &Server{Mux: m}
}
