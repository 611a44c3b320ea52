package models

import "time"

// PipelineStages is the canonical stage list a pipeline view renders, in
// execution order. Composite jobs report one progress value spanning all of
// them; discrete jobs each occupy one slot.
var PipelineStages = [...]string{
	StageDownload,
	StageProcess,
	StageOrganize,
	StageSaveMetadata,
}

const (
	StageDownload     = "download"
	StageProcess      = "process"
	StageOrganize     = "organize"
	StageSaveMetadata = "save_metadata"
)

// StepStatus is the derived state of one canonical pipeline stage. Status is
// always one of pending, running, completed or failed; the failure variants
// are collapsed before they reach a step.
type StepStatus struct {
	Name   string    `json:"name"`
	Status JobStatus `json:"status"`
}

// PipelineGroup is the derived view over the jobs acting on one video: a
// single multi-stage process with one status, one progress value and one
// step list. Groups are recomputed from the job store on demand, never
// stored, so they appear and disappear purely with their member jobs.
type PipelineGroup struct {
	GroupKey  string       `json:"group_key"`
	Ungrouped bool         `json:"ungrouped,omitempty"`
	Jobs      []Job        `json:"jobs"`
	Status    JobStatus    `json:"status"`
	Progress  float64      `json:"progress"`
	Steps     []StepStatus `json:"steps"`
	UpdatedAt time.Time    `json:"updated_at"`
}
