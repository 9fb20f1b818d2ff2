package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"orbital/internal/http/handlers"
	"orbital/internal/identity"
	"orbital/internal/infra"
	"orbital/internal/middleware"
	"orbital/internal/ratelimit"
)

// Rate limit endpoint names, used in counter keys.
const (
	EndpointSolve = "solve"
	EndpointJob   = "job"
	EndpointJobs  = "jobs"
	EndpointParse = "parse"
)

// Deps wires the router.
type Deps struct {
	App            *handlers.App
	Verifier       identity.Verifier
	Limiter        *ratelimit.Limiter
	Limits         infra.RateLimits
	Logger         zerolog.Logger
	Country        middleware.CountryLookup
	VideosDir      string
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(d.Logger, d.Country),
		chimw.Recoverer,
		middleware.CORS(d.AllowedOrigins),
	)

	app := d.App
	r.Get("/health", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/docs", app.OpenAPIDocs)

	if d.VideosDir != "" {
		r.Handle("/videos/*", http.StripPrefix("/videos/", videoFiles(d.VideosDir)))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/payments/prices", app.Prices)
		r.Post("/payments/webhook", app.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(d.Verifier))

			limit := func(endpoint string, n int) func(http.Handler) http.Handler {
				return middleware.RateLimit(d.Limiter, endpoint, n, d.Limits.Window)
			}
			r.With(limit(EndpointSolve, d.Limits.Solve)).Post("/solve", app.Solve)
			r.With(limit(EndpointParse, d.Limits.Parse)).Post("/parse", app.Parse)
			r.With(limit(EndpointJob, d.Limits.Job)).Get("/jobs/{job_id}", app.JobStatus)
			r.With(limit(EndpointJobs, d.Limits.Jobs)).Get("/jobs", app.ListJobs)
			r.Get("/minutes/balance", app.Balance)
			r.Get("/minutes/transactions", app.Transactions)
		})
	})

	return r
}

// videoFiles serves rendered artifacts without directory listings.
func videoFiles(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		fs.ServeHTTP(w, r)
	})
}
