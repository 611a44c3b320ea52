package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/jobpulse/internal/api/response"
	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/track"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// JobTracker is the slice of the tracker the job endpoints depend on.
type JobTracker interface {
	Jobs() []models.Job
	Job(id string) (models.Job, bool)
	Cancel(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string) (models.Job, error)
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
// Optional query parameters video_id, status and job_type narrow the
// snapshot; they combine with AND.
func NewListJobsHandler(tr JobTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		status := models.JobStatus(q.Get("status"))
		if status != "" && !validStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, running, completed, failed, cancelled, timeout", nil)
			return
		}
		videoID := q.Get("video_id")
		jobType := models.JobType(q.Get("job_type"))

		jobs := tr.Jobs()
		filtered := make([]models.Job, 0, len(jobs))
		for _, j := range jobs {
			if videoID != "" && j.VideoID() != videoID {
				continue
			}
			if status != "" && j.Status != status {
				continue
			}
			if jobType != "" && j.JobType != jobType {
				continue
			}
			filtered = append(filtered, j)
		}

		response.JSON(w, filtered)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(tr JobTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")

		job, ok := tr.Job(id)
		if !ok {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
				"No tracked job with that id", nil)
			return
		}

		response.JSON(w, job)
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/cancel. The request is passed through to the
// media server; the local record changes only when the cancellation comes
// back through the event sources.
func NewCancelJobHandler(tr JobTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")

		if err := tr.Cancel(r.Context(), id); err != nil {
			writeActionError(w, err)
			return
		}

		response.Accepted(w, cancelAccepted{JobID: id})
	}
}

// NewRetryJobHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/retry. On success the response carries the
// freshly created job, which replaces the failed record.
func NewRetryJobHandler(tr JobTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobID")

		created, err := tr.Retry(r.Context(), id)
		if err != nil {
			writeActionError(w, err)
			return
		}

		response.Created(w, created)
	}
}

// writeActionError maps cancel/retry failures onto the response envelope.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, medialib.ErrNotFound), errors.Is(err, track.ErrUnknownJob):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND",
			"No job with that id", nil)
	case errors.Is(err, track.ErrNotRetryable):
		response.Error(w, http.StatusConflict, "JOB_NOT_RETRYABLE",
			"Only failed jobs can be retried", nil)
	case errors.Is(err, medialib.ErrUnreachable), errors.Is(err, medialib.ErrTimeout):
		response.Error(w, http.StatusBadGateway, "MEDIA_SERVER_UNAVAILABLE",
			"The media server is not available", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func validStatus(s models.JobStatus) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted,
		models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusTimeout:
		return true
	}
	return false
}

type cancelAccepted struct {
	JobID string `json:"job_id"`
}
