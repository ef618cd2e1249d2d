package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registrar lets application handlers attach their routes to the shared
// router without httpx knowing the domain.
type Registrar interface {
	Register(mux *http.ServeMux)
}

// NewRouter builds the service router: application routes plus the health,
// readiness and metrics endpoints, wrapped in request-id, access-log and
// HTTP-metrics middleware.
func NewRouter(log *slog.Logger, reg *prometheus.Registry, apps ...Registrar) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	for _, app := range apps {
		app.Register(mux)
	}

	var h http.Handler = mux
	if reg != nil {
		h = NewMetrics(reg).Middleware(h)
	}
	h = RequestID(h)
	h = AccessLog(log)(h)

	return h
}
