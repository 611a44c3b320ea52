package models

import "time"

// JobType identifies what kind of work a job performs. The media server may
// ship types this build does not know yet; those are kept verbatim and
// rendered generically instead of being rejected.
type JobType string

const (
	JobTypeDownload       JobType = "download"
	JobTypePostProcess    JobType = "post_process"
	JobTypeOrganize       JobType = "organize"
	JobTypeNFOGenerate    JobType = "nfo_generate"
	JobTypeMetadataEnrich JobType = "metadata_enrich"

	// JobTypePipeline is a composite job: one record whose single progress
	// value covers every stage of a pipeline run.
	JobTypePipeline JobType = "pipeline"
)

// Known reports whether t is one of the job types this build understands.
func (t JobType) Known() bool {
	switch t {
	case JobTypeDownload, JobTypePostProcess, JobTypeOrganize,
		JobTypeNFOGenerate, JobTypeMetadataEnrich, JobTypePipeline:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job. Transitions only move forward
// through pending -> running -> terminal; a terminal job never changes again.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
)

// Terminal reports whether no further transitions are accepted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// Failure reports whether s is one of the terminal failure variants.
func (s JobStatus) Failure() bool {
	switch s {
	case JobStatusFailed, JobStatusCancelled, JobStatusTimeout:
		return true
	}
	return false
}

// Display collapses the failure variants to failed. Cancelled and timed-out
// jobs read as failures everywhere they are shown.
func (s JobStatus) Display() JobStatus {
	if s.Failure() {
		return JobStatusFailed
	}
	return s
}

// MetadataVideoID is the metadata key carrying the video a job acts on.
// Jobs sharing it are grouped into one pipeline view.
const MetadataVideoID = "video_id"

// Job is one unit of background work reported by the media server: a
// download, a post-processing step, or a whole pipeline run reported as a
// single composite record.
type Job struct {
	JobID          string            `json:"job_id"`
	JobType        JobType           `json:"job_type"`
	Status         JobStatus         `json:"status"`
	Progress       float64           `json:"progress"`
	CurrentStep    string            `json:"current_step,omitempty"`
	ProcessedItems *int              `json:"processed_items,omitempty"`
	TotalItems     *int              `json:"total_items,omitempty"`
	DownloadSpeed  *float64          `json:"download_speed,omitempty"`
	ETASeconds     *int              `json:"eta_seconds,omitempty"`
	Result         map[string]any    `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      *time.Time        `json:"created_at,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`

	// Ordinal is the order this job was first seen in, relative to the other
	// jobs in the same store. Breaks ties when sorting unknown job types.
	Ordinal uint64 `json:"-"`
}

// VideoID returns the grouping target from metadata, or "" when the job
// carries none.
func (j Job) VideoID() string {
	return j.Metadata[MetadataVideoID]
}

// Clone returns a deep copy. Handed-out snapshots must not share the maps a
// later merge will write to.
func (j Job) Clone() Job {
	c := j
	if j.ProcessedItems != nil {
		v := *j.ProcessedItems
		c.ProcessedItems = &v
	}
	if j.TotalItems != nil {
		v := *j.TotalItems
		c.TotalItems = &v
	}
	if j.DownloadSpeed != nil {
		v := *j.DownloadSpeed
		c.DownloadSpeed = &v
	}
	if j.ETASeconds != nil {
		v := *j.ETASeconds
		c.ETASeconds = &v
	}
	if j.CreatedAt != nil {
		v := *j.CreatedAt
		c.CreatedAt = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		c.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		c.CompletedAt = &v
	}
	if j.Result != nil {
		c.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
