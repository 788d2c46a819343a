package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/diffit/internal/fitservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *fitservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/parameters", h.ListParameters)
	r.Patch("/parameters/{id}", h.UpdateParameter)

	r.Post("/fit", h.StartStopFit)
	r.Get("/fit", h.FitStatus)

	r.Get("/experiments/{name}/pattern", h.GetPattern)

	r.Get("/runs", h.ListRuns)
	r.Get("/runs/{id}", h.GetRun)

	r.Get("/projects", h.ListProjects)
	r.Post("/project/save", h.SaveProject)
	r.Post("/project/reload", h.ReloadProject)

	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
