package track

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// ErrUnknownEvent marks an inbound frame whose shape could not be
// recognized. Callers log it and drop the frame; it never tears down a
// subscription.
var ErrUnknownEvent = errors.New("unrecognized event shape")

// Source tells a merge where its update came from.
type Source string

const (
	SourceStream Source = "stream"
	SourcePoll   Source = "poll"
)

// JobUpdate is one normalized partial change to a job. Nil fields were
// absent from the inbound event and leave the stored value alone.
type JobUpdate struct {
	JobID          string
	JobType        *models.JobType
	Status         *models.JobStatus
	Progress       *float64
	CurrentStep    *string
	ProcessedItems *int
	TotalItems     *int
	DownloadSpeed  *float64
	ETASeconds     *int
	Result         map[string]any
	Error          *string
	CreatedAt      *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Metadata       map[string]string

	// Token orders updates from the same source: the stream's own sequence
	// number when it sends one, a synthetic value otherwise.
	Token  uint64
	Source Source
}

// Normalizer converts raw inbound events from either source into JobUpdates
// the store can merge. Safe for concurrent use.
type Normalizer struct {
	// arrival backs stream frames that carry no sequence number. It only
	// ever grows, so tokens stay monotonic across reconnects.
	arrival atomic.Uint64
}

// FromStream normalizes one push-channel frame. ok is false for channel
// plumbing (pings, subscription acks) that carries no job state. A non-nil
// error means the frame was unrecognizable and must be dropped.
func (n *Normalizer) FromStream(data []byte) (u JobUpdate, ok bool, err error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return JobUpdate{}, false, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}

	switch ev.Type {
	case "ping", "pong", "subscribed", "unsubscribed":
		return JobUpdate{}, false, nil
	case "job.created", "job.updated", "job.progress", "job.completed", "job.failed":
		if len(ev.Job) == 0 {
			return JobUpdate{}, false, fmt.Errorf("%w: %s event without job body", ErrUnknownEvent, ev.Type)
		}
		u, err := n.decodeJob(ev.Job)
		if err != nil {
			return JobUpdate{}, false, err
		}
		u.Token = n.token(ev.Seq)
		u.Source = SourceStream
		return u, true, nil
	case "":
		// Some server builds push the bare job object with no envelope.
		u, err := n.decodeJob(data)
		if err != nil {
			return JobUpdate{}, false, err
		}
		if u.JobID == "" {
			return JobUpdate{}, false, fmt.Errorf("%w: no event type and no job_id", ErrUnknownEvent)
		}
		u.Token = n.token(nil)
		u.Source = SourceStream
		return u, true, nil
	default:
		return JobUpdate{}, false, fmt.Errorf("%w: type %q", ErrUnknownEvent, ev.Type)
	}
}

// FromPoll normalizes one job snapshot out of a poll fetch. Snapshots are
// not individually ordered, so the token is synthesized from the fetch time.
func (n *Normalizer) FromPoll(job models.Job, fetched time.Time) JobUpdate {
	u := JobUpdate{
		JobID:  job.JobID,
		Token:  uint64(fetched.UnixNano()),
		Source: SourcePoll,
	}
	if job.JobType != "" {
		t := job.JobType
		u.JobType = &t
	}
	if job.Status != "" {
		st := job.Status
		u.Status = &st
	}
	p := clamp01(job.Progress)
	u.Progress = &p
	if job.CurrentStep != "" {
		s := job.CurrentStep
		u.CurrentStep = &s
	}
	u.ProcessedItems = job.ProcessedItems
	u.TotalItems = job.TotalItems
	u.DownloadSpeed = job.DownloadSpeed
	u.ETASeconds = job.ETASeconds
	if len(job.Result) > 0 {
		u.Result = job.Result
	}
	if job.Error != "" {
		e := job.Error
		u.Error = &e
	}
	u.CreatedAt = job.CreatedAt
	u.StartedAt = job.StartedAt
	u.CompletedAt = job.CompletedAt
	if len(job.Metadata) > 0 {
		u.Metadata = job.Metadata
	}
	return u
}

func (n *Normalizer) token(seq *uint64) uint64 {
	if seq != nil {
		return *seq
	}
	return n.arrival.Add(1)
}

func (n *Normalizer) decodeJob(data []byte) (JobUpdate, error) {
	var w wireJob
	if err := json.Unmarshal(data, &w); err != nil {
		return JobUpdate{}, fmt.Errorf("%w: %v", ErrUnknownEvent, err)
	}

	u := JobUpdate{
		JobID:          w.JobID,
		JobType:        w.JobType,
		Status:         w.Status,
		CurrentStep:    w.CurrentStep,
		ProcessedItems: w.ProcessedItems,
		TotalItems:     w.TotalItems,
		DownloadSpeed:  w.DownloadSpeed,
		ETASeconds:     w.ETASeconds,
		Result:         w.Result,
		Error:          w.Error,
		Metadata:       w.Metadata,
	}
	if w.Progress != nil && !math.IsNaN(*w.Progress) {
		p := clamp01(*w.Progress)
		u.Progress = &p
	}
	u.CreatedAt = w.CreatedAt.ptr()
	u.StartedAt = w.StartedAt.ptr()
	u.CompletedAt = w.CompletedAt.ptr()
	return u, nil
}

func clamp01(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// --- wire types ---

type streamEvent struct {
	Type string          `json:"type"`
	Seq  *uint64         `json:"seq,omitempty"`
	Job  json.RawMessage `json:"job,omitempty"`
}

type wireJob struct {
	JobID          string            `json:"job_id"`
	JobType        *models.JobType   `json:"job_type"`
	Status         *models.JobStatus `json:"status"`
	Progress       *float64          `json:"progress"`
	CurrentStep    *string           `json:"current_step"`
	ProcessedItems *int              `json:"processed_items"`
	TotalItems     *int              `json:"total_items"`
	DownloadSpeed  *float64          `json:"download_speed"`
	ETASeconds     *int              `json:"eta_seconds"`
	Result         map[string]any    `json:"result"`
	Error          *string           `json:"error"`
	CreatedAt      *flexTime         `json:"created_at"`
	StartedAt      *flexTime         `json:"started_at"`
	CompletedAt    *flexTime         `json:"completed_at"`
	Metadata       map[string]string `json:"metadata"`
}

// flexTime accepts either RFC 3339 strings or numeric epoch seconds; the
// server emits both depending on which component produced the timestamp.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		return t.Time.UnmarshalJSON(b)
	}
	var sec float64
	if err := json.Unmarshal(b, &sec); err != nil {
		return err
	}
	whole, frac := math.Modf(sec)
	t.Time = time.Unix(int64(whole), int64(frac*1e9)).UTC()
	return nil
}

func (t *flexTime) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
