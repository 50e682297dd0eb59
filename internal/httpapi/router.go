// Package httpapi exposes spec §6's HTTP surface (/healthz, /meta,
// /volume, /traffic, /weather, /admin/ingest) over the MRMS and traffic
// subsystems.
//
// Grounded on the teacher's app/run.go two-tier chi router: a root router
// carrying only Recoverer/ETag/RequestID, mounting a subrouter that adds
// compression, timeouts, security headers, the admin guard, tracing,
// metrics, and logging.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/approachradar/backend/internal/config"
	"github.com/approachradar/backend/internal/mrms"
	"github.com/approachradar/backend/internal/monitoring"
	"github.com/approachradar/backend/internal/security"
	"github.com/approachradar/backend/internal/snapstore"
)

// Server bundles the handler dependencies for the HTTP surface.
type Server struct {
	Latest    *mrms.LatestSlot
	Snapstore *snapstore.Store
	Scheduler *mrms.Scheduler
	Config    config.Config
}

// NewRouter builds the two-tier chi router, mirroring the teacher's
// root-router/api-subrouter split.
func (s *Server) NewRouter(enableMetrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(monitoring.ETagMiddleware)
	r.Use(middleware.RequestID)

	api := chi.NewRouter()
	api.Use(middleware.Compress(5))
	api.Use(middleware.Timeout(15 * time.Second))
	api.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	})
	api.Use(security.SecurityMiddleware)
	api.Use(monitoring.TracingMiddleware)
	api.Use(monitoring.MetricsMiddleware)
	api.Use(monitoring.LoggingMiddleware)

	if enableMetrics {
		api.Handle("/metrics", monitoring.PrometheusHandler())
	}

	api.Get("/healthz", s.handleHealthz)
	api.Get("/meta", s.handleMeta)
	api.Get("/volume", s.handleVolume)
	api.Get("/traffic", s.handleTraffic)
	api.Get("/weather", s.handleWeather)
	api.Post("/admin/ingest", s.handleAdminIngest)

	r.Mount("/", api)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":` + quoteJSON(message) + `}`))
}

func quoteJSON(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			out = append(out, '\\', byte(r))
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, string(r)...)
		}
	}
	out = append(out, '"')
	return string(out)
}
