package api

import (
	"github.com/starford/diffit/internal/fitservice"
	"github.com/starford/diffit/internal/history"
	"github.com/starford/diffit/internal/models"
)

// UpdateParameterRequest is the request body for editing a parameter.
type UpdateParameterRequest = fitservice.ParameterPatch

// FittableParameter is a refinable quantity (aliased from the domain layer).
type FittableParameter = models.FittableParameter

// ProjectMetadata describes a project file.
type ProjectMetadata = models.ProjectMetadata

// FitStatus is the refinement status (aliased from the domain layer).
type FitStatus = fitservice.Status

// PatternView is the measured and calculated pattern of one experiment.
type PatternView = fitservice.PatternView

// RunDetail is an archived run with its parameters.
type RunDetail = fitservice.RunDetail

// ParameterListResponse wraps the parameter list.
type ParameterListResponse struct {
	Parameters []FittableParameter `json:"parameters" validate:"required"`
}

// FitActionResponse reports what POST /fit did.
type FitActionResponse struct {
	Action string `json:"action" example:"started" enums:"started,cancel_requested,none" validate:"required"`
	RunID  string `json:"run_id,omitempty" example:"5f0c6c3e-8f0e-4a57-9a3c-1d4f2b7f9e21"`
}

// RunListResponse wraps paginated run listings.
type RunListResponse struct {
	Runs  []history.RunRow `json:"runs" validate:"required"`
	Total int              `json:"total" example:"12" validate:"required"`
}

// ReloadResponse reports whether the project changed on disk.
type ReloadResponse struct {
	Changed bool `json:"changed" validate:"required"`
}

// ProjectListResponse wraps the project file listing.
type ProjectListResponse struct {
	Projects []ProjectMetadata `json:"projects" validate:"required"`
}
