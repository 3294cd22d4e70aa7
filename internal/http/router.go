package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"gallery/internal/http/handlers"
	"gallery/internal/middleware"
)

// Options configures the middleware stack around the handlers.
type Options struct {
	Logger          zerolog.Logger
	JWTSecret       string
	CORSOrigins     []string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	// Static serves stored objects under /static when set.
	Static http.FileSystem
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", app.Health)
		r.Get("/live", app.Live)
		r.Get("/ready", app.Ready)
		r.Get("/detailed", app.DetailedHealth)
	})

	if opts.Static != nil {
		r.Handle("/static/*", http.StripPrefix("/static", http.FileServer(opts.Static)))
	}

	r.Group(func(r chi.Router) {
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}
		r.Use(middleware.AuthJWT(opts.JWTSecret))

		r.Route("/images", func(r chi.Router) {
			r.Get("/", app.ListImages)
			r.Post("/upload", app.UploadImage)
			r.Post("/process-batch", app.ProcessBatch)
			r.Get("/export", app.ExportImages)
			r.Get("/events", app.ImageEvents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetImage)
				r.Delete("/", app.DeleteImage)
				r.Get("/download", app.DownloadImage)
				r.Get("/events", app.SingleImageEvents)
				r.Post("/retry-processing", app.RetryProcessing)
				r.Post("/reset", app.ResetStuck)
				r.Post("/force-complete", app.ForceComplete)
			})
		})

		r.Route("/search", func(r chi.Router) {
			r.Get("/images", app.SearchImages)
			r.Get("/images/{id}/similar", app.SimilarImages)
			r.Get("/suggestions", app.SearchSuggestions)
		})

		r.Get("/usage", app.UsageStats)
		r.Get("/processing/status", app.ProcessingStatus)
	})

	return r
}
