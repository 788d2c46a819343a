package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/diffit/internal/checksum"
	"github.com/starford/diffit/internal/fitservice"
	"github.com/starford/diffit/internal/refine"
)

// Handler holds API route handlers.
type Handler struct {
	svc *fitservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *fitservice.Service) *Handler {
	return &Handler{svc: svc}
}

// ListParameters handles GET /api/parameters.
//
//	@Summary		List fittable parameters of the active project
//	@Tags			parameters
//	@Produce		json
//	@Success		200	{object}	ParameterListResponse
//	@Security		BearerAuth
//	@Router			/parameters [get]
func (h *Handler) ListParameters(w http.ResponseWriter, r *http.Request) {
	params, err := h.svc.Parameters(r.Context())
	if err != nil {
		writeError(w, "list parameters", err)
		return
	}
	writeJSON(w, http.StatusOK, ParameterListResponse{Parameters: params})
}

// UpdateParameter handles PATCH /api/parameters/{id}.
//
//	@Summary		Edit the value or free flag of a parameter
//	@Tags			parameters
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Parameter identifier"
//	@Param			body	body		UpdateParameterRequest	true	"Patch"
//	@Success		200		{object}	FittableParameter
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/parameters/{id} [patch]
func (h *Handler) UpdateParameter(w http.ResponseWriter, r *http.Request) {
	var req UpdateParameterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON"))
		return
	}
	if req.Value == nil && req.Free == nil {
		writeJSON(w, http.StatusBadRequest, errorBody("value or free is required"))
		return
	}
	p, err := h.svc.SetParameter(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "update parameter", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// StartStopFit handles POST /api/fit.
//
//	@Summary		Start a refinement, or cancel the one in progress
//	@Tags			fit
//	@Produce		json
//	@Success		200	{object}	FitActionResponse	"Nothing to do"
//	@Success		202	{object}	FitActionResponse	"Started or cancellation requested"
//	@Failure		422	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/fit [post]
func (h *Handler) StartStopFit(w http.ResponseWriter, r *http.Request) {
	act, err := h.svc.StartStop(r.Context())
	if err != nil {
		writeError(w, "start/stop fit", err)
		return
	}
	status := http.StatusAccepted
	if act == refine.ActionNone {
		status = http.StatusOK
	}
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, "fit status", err)
		return
	}
	writeJSON(w, status, FitActionResponse{Action: act.String(), RunID: st.RunID})
}

// FitStatus handles GET /api/fit.
//
//	@Summary		Refinement status
//	@Tags			fit
//	@Produce		json
//	@Success		200	{object}	FitStatus
//	@Security		BearerAuth
//	@Router			/fit [get]
func (h *Handler) FitStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Status(r.Context())
	if err != nil {
		writeError(w, "fit status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetPattern handles GET /api/experiments/{name}/pattern.
//
//	@Summary		Measured and calculated pattern of an experiment
//	@Tags			experiments
//	@Produce		json
//	@Param			name	path		string	true	"Experiment name"
//	@Success		200		{object}	PatternView
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/experiments/{name}/pattern [get]
func (h *Handler) GetPattern(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Pattern(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "get pattern", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListRuns handles GET /api/runs.
//
//	@Summary		List archived refinement runs, newest first
//	@Tags			runs
//	@Produce		json
//	@Param			limit	query		int	false	"Page size"
//	@Param			offset	query		int	false	"Page offset"
//	@Success		200		{object}	RunListResponse
//	@Security		BearerAuth
//	@Router			/runs [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	runs, total, err := h.svc.History(r.Context(), limit, offset)
	if err != nil {
		writeError(w, "list runs", err)
		return
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Total: total})
}

// GetRun handles GET /api/runs/{id}.
//
//	@Summary		Get an archived run with its parameter values
//	@Tags			runs
//	@Produce		json
//	@Param			id	path		string	true	"Run ID"
//	@Success		200	{object}	RunDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/runs/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// SaveProject handles POST /api/project/save.
//
//	@Summary		Write the active project back to its file
//	@Tags			project
//	@Produce		json
//	@Param			If-Match	header		string	false	"Checksum of the file on disk"
//	@Success		200			{object}	ProjectMetadata
//	@Failure		409			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/project/save [post]
func (h *Handler) SaveProject(w http.ResponseWriter, r *http.Request) {
	meta, err := h.svc.Save(r.Context(), checksum.FromETag(r.Header.Get("If-Match")))
	if err != nil {
		writeError(w, "save project", err)
		return
	}
	w.Header().Set("ETag", checksum.ETag(meta.Checksum))
	writeJSON(w, http.StatusOK, meta)
}

// ReloadProject handles POST /api/project/reload.
//
//	@Summary		Reload the active project from disk
//	@Tags			project
//	@Produce		json
//	@Success		200	{object}	ReloadResponse
//	@Failure		409	{object}	errResponse
//	@Failure		422	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/project/reload [post]
func (h *Handler) ReloadProject(w http.ResponseWriter, r *http.Request) {
	changed, err := h.svc.Reload(r.Context())
	if err != nil {
		writeError(w, "reload project", err)
		return
	}
	writeJSON(w, http.StatusOK, ReloadResponse{Changed: changed})
}

// ListProjects handles GET /api/projects.
//
//	@Summary		List project files in the project directory
//	@Tags			project
//	@Produce		json
//	@Success		200	{object}	ProjectListResponse
//	@Security		BearerAuth
//	@Router			/projects [get]
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.Projects(r.Context())
	if err != nil {
		writeError(w, "list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, ProjectListResponse{Projects: projects})
}
