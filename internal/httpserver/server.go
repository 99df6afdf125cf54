package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// NewAgent mounts the bridge API and health routes with the standard
// middleware chain.
func NewAgent(api *API, counter *prometheus.CounterVec, ready ...Check) *Server {
	s := New()
	s.Mux.Use(Recover, RequestID, Logging, Metrics(counter))
	s.Mux.HandleFunc("/healthz", Liveness()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", Readiness(2*time.Second, ready...)).Methods(http.MethodGet)
	api.Register(s.Mux)
	return s
}
