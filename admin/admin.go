// Package admin serves a read-only HTTP view of a running key server:
// liveness, counters, pipeline state and the issuance journal.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/keymint/journal"
	"github.com/jmcleod/keymint/server"
	"github.com/jmcleod/keymint/stats"
	"github.com/jmcleod/keymint/store"
)

// Service is the part of the key server the admin endpoints inspect.
type Service interface {
	Status() server.Status
	Store() *store.Store
}

// API holds the dependencies needed by the admin handlers.
type API struct {
	service Service
	journal journal.Journal
	stats   *stats.Collector
	logger  *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithJournal exposes j under /journal. Without it those routes return 404.
func WithJournal(j journal.Journal) Option {
	return func(a *API) { a.journal = j }
}

// WithStats exposes c under /stats.
func WithStats(c *stats.Collector) Option {
	return func(a *API) { a.stats = c }
}

// WithLogger sets the logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates a new API instance.
func New(service Service, opts ...Option) *API {
	a := &API{service: service, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all admin routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(a.logger))
	r.Use(middleware.Recoverer)
	r.Use(noStore)

	r.Get("/health", a.Health)
	r.Get("/stats", a.Stats)
	r.Get("/names/{name}", a.GetName)

	r.Route("/journal", func(r chi.Router) {
		r.Use(a.requireJournal)
		r.Get("/", a.ListJournal)
		r.Get("/verify", a.VerifyJournal)
		r.Get("/{name}", a.LatestJournal)
	})
	return r
}

func (a *API) requireJournal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.journal == nil {
			writeError(w, http.StatusNotFound, "journal is not enabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}
