package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/jobpulse/internal/api/response"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// PipelineTracker is the slice of the tracker the pipeline endpoints
// depend on.
type PipelineTracker interface {
	Pipelines() []models.PipelineGroup
	Pipeline(key string) (models.PipelineGroup, bool)
}

// NewListPipelinesHandler returns an http.HandlerFunc for
// GET /api/v1/pipelines.
func NewListPipelinesHandler(tr PipelineTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, tr.Pipelines())
	}
}

// NewGetPipelineHandler returns an http.HandlerFunc for
// GET /api/v1/pipelines/{groupKey}. The key is a video id, or a job id for
// ungrouped singletons.
func NewGetPipelineHandler(tr PipelineTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "groupKey")

		group, ok := tr.Pipeline(key)
		if !ok {
			response.Error(w, http.StatusNotFound, "PIPELINE_NOT_FOUND",
				"No pipeline group with that key", nil)
			return
		}

		response.JSON(w, group)
	}
}
