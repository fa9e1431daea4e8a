package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"mediarender/internal/httpapi/handlers"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/pkg/middleware"
)

type Deps struct {
	Handlers *handlers.Handler
	Log      *logger.Logger
	// Observer and Metrics are optional.
	Observer middleware.Observer
	Metrics  http.Handler

	CORSAllowedOrigins []string
	WebhookRateLimit   float64
	WebhookBurst       int
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	h := d.Handlers

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log, d.Observer, routePattern))
	r.Use(middleware.Recovery(log))

	// ---- CORS ----
	allowedOrigins := d.CORSAllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", handlers.TenantHeader, middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           600,
	}))

	wrap := func(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
		return middleware.WrapHandler(log, fn)
	}

	// ---- HEALTH / METRICS ----
	r.Get("/health", h.Health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// ---- ASSETS ----
	r.Get("/assets/*", h.StreamAsset)
	r.Head("/assets/*", h.StreamAsset)

	// ---- RENDER JOBS ----
	r.Route("/render-jobs", func(r chi.Router) {
		r.Post("/", wrap(h.CreateJob))
		r.Post("/create", wrap(h.CreateJob))

		r.Route("/{jobId}", func(r chi.Router) {
			r.Post("/submit", wrap(h.SubmitJob))
			r.Get("/status", wrap(h.JobStatus))
			r.Get("/poll", wrap(h.PollJob))
			r.Post("/cancel", wrap(h.CancelJob))
		})

		r.Group(func(r chi.Router) {
			if d.WebhookRateLimit > 0 {
				burst := d.WebhookBurst
				if burst <= 0 {
					burst = int(d.WebhookRateLimit) + 1
				}
				r.Use(middleware.RateLimit(d.WebhookRateLimit, burst, func(r *http.Request) string {
					return chi.URLParam(r, "provider")
				}))
			}
			r.Post("/webhook/{provider}", wrap(h.ProviderWebhook))
		})
	})

	return r
}

// routePattern reports the matched chi pattern so metrics are labelled per
// route rather than per job ID.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}
