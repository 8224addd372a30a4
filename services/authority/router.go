package authority

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	allowed := a.opts.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.opts.RequestTimeout))
		if a.opts.RateLimit > 0 {
			r.Use(httprate.LimitByIP(a.opts.RateLimit, time.Minute))
		}

		r.Route("/artifacts/{domain}/{type}", func(r chi.Router) {
			r.Get("/", a.handleList)
			r.Post("/", a.handleCreate)
			r.Post("/export", a.handleExport)
			r.Patch("/{id}", a.handleUpdate)
			r.Delete("/{id}", a.handleDelete)
		})
		r.Post("/actions", a.handleAction)
		r.Get("/actions/{domain}", a.handleListActions)
	})

	var handler http.Handler = r
	if a.opts.Middleware != nil {
		handler = a.opts.Middleware(handler)
	}
	return handler, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.opts.Ready != nil {
		ctx, cancel := withTimeout(r.Context())
		defer cancel()
		if err := a.opts.Ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
