// Package router mounts every HTTP endpoint on one chi router.
package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/inaiurai/pointsmith/internal/auth"
	"github.com/inaiurai/pointsmith/internal/handlers"
	"github.com/inaiurai/pointsmith/internal/middleware"
)

// Pinger reports database health. Satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps is everything the router serves.
type Deps struct {
	Auth       *auth.Handler
	Tasks      *handlers.TaskHandler
	Projects   *handlers.ProjectHandler
	Accounts   *handlers.AccountHandler
	Operations *handlers.OperationHandler

	Tokens middleware.TokenValidator
	Quoter middleware.Quoter
	// Pool backs the daily spend check on task creation.
	Pool       *pgxpool.Pool
	DailyLimit int64
	Health     Pinger

	Kinds []handlers.KindInfo
	Steps []handlers.StepInfo

	AllowedOrigins []string
}

// New returns the API handler: /api/v1 routes plus /healthz and /metrics,
// wrapped in CORS.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status, body := http.StatusOK, map[string]string{"status": "ok"}
		if d.Health != nil {
			if err := d.Health.Ping(r.Context()); err != nil {
				status, body = http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", d.Auth.Register)
		r.Post("/auth/login", d.Auth.Login)
		r.Get("/kinds", handlers.ListKinds(d.Kinds, d.Steps))

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(d.Tokens))

			r.Get("/account", d.Accounts.GetAccount)
			r.Get("/ledger", d.Accounts.ListLedger)

			r.Get("/quote", d.Tasks.Quote)
			r.With(middleware.QuantityCheck(d.Pool, d.Quoter, d.DailyLimit)).Post("/tasks", d.Tasks.CreateTask)
			r.Get("/tasks", d.Tasks.ListTasks)
			r.Get("/tasks/{id}", d.Tasks.GetTask)
			r.Get("/tasks/{id}/jobs", d.Tasks.ListJobs)

			r.Post("/projects", d.Projects.CreateProject)
			r.Get("/projects", d.Projects.ListProjects)
			r.Get("/projects/{id}", d.Projects.GetProject)
			r.Post("/projects/{id}/advance", d.Projects.Advance)
			r.Post("/projects/{id}/steps/{step}", d.Projects.ExecuteStep)
			r.Post("/projects/{id}/steps/{step}/restart", d.Projects.RestartStep)

			r.Get("/operations/{id}", d.Operations.GetOperation)

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin)
				r.Post("/accounts/{id}/purchases", d.Accounts.Purchase)
				r.Post("/tasks/{id}/cancel", d.Tasks.CancelTask)
				r.Post("/projects/{id}/cancel", d.Projects.CancelProject)
			})
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(r)
}
