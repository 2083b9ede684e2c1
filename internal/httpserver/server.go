package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callblast/internal/httpapi"
	"callblast/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// Probes mounts liveness, readiness and metrics alongside the API routes.
func (s *Server) Probes(readyz http.HandlerFunc) {
	s.Mux.HandleFunc("/healthz", httpapi.Healthz())
	s.Mux.HandleFunc("/readyz", readyz)
	s.Mux.Handle("/metrics", promhttp.Handler())
}

// Handler wraps the router with request logging and the per-route request
// counter.
func (s *Server) Handler() http.Handler {
	return Instrument(observability.APIRequests)(s.Mux)
}
