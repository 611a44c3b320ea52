package track

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// ErrMissingJobID rejects updates that cannot be keyed. The caller skips the
// bad record and keeps merging the rest of its batch.
var ErrMissingJobID = errors.New("job update missing job_id")

// Store is the in-memory map of the latest known state per job. It is the
// single merge point for both event sources; stream and poll goroutines
// write concurrently and the merge rules keep them commutative enough that
// one lock suffices.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]*models.Job
	ordinal uint64
	maxJobs int
	log     *slog.Logger
}

// NewStore returns an empty store. maxJobs bounds the map, 0 means
// unbounded; when the bound is exceeded the oldest terminal records are
// evicted. Records still in flight are never evicted.
func NewStore(maxJobs int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		jobs:    make(map[string]*models.Job),
		maxJobs: maxJobs,
		log:     log,
	}
}

// Upsert merges one normalized update and reports whether anything
// observable changed. Merge rules, in order:
//
//   - unknown job_id: insert as a new record.
//   - stored status terminal: drop the whole update, duplicates included.
//   - incoming terminal status: apply unconditionally so completion is
//     never lost to a stale snapshot.
//   - otherwise status only moves forward and progress only grows.
func (s *Store) Upsert(u JobUpdate) (bool, error) {
	if u.JobID == "" {
		return false, ErrMissingJobID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[u.JobID]
	if !ok {
		s.insert(u)
		return true, nil
	}

	if cur.Status.Terminal() {
		return false, nil
	}

	incomingTerminal := u.Status != nil && u.Status.Terminal()
	changed := false

	if u.JobType != nil && *u.JobType != cur.JobType {
		cur.JobType = *u.JobType
		changed = true
	}
	if u.Status != nil && *u.Status != cur.Status && statusRank(*u.Status) >= statusRank(cur.Status) {
		cur.Status = *u.Status
		changed = true
	}
	if u.Progress != nil {
		switch {
		case incomingTerminal:
			if cur.Progress != *u.Progress {
				cur.Progress = *u.Progress
				changed = true
			}
		case *u.Progress > cur.Progress:
			cur.Progress = *u.Progress
			changed = true
		}
	}
	if u.CurrentStep != nil && *u.CurrentStep != cur.CurrentStep {
		cur.CurrentStep = *u.CurrentStep
		changed = true
	}
	if u.ProcessedItems != nil && (cur.ProcessedItems == nil || *cur.ProcessedItems != *u.ProcessedItems) {
		v := *u.ProcessedItems
		cur.ProcessedItems = &v
		changed = true
	}
	if u.TotalItems != nil && (cur.TotalItems == nil || *cur.TotalItems != *u.TotalItems) {
		v := *u.TotalItems
		cur.TotalItems = &v
		changed = true
	}
	if u.DownloadSpeed != nil && (cur.DownloadSpeed == nil || *cur.DownloadSpeed != *u.DownloadSpeed) {
		v := *u.DownloadSpeed
		cur.DownloadSpeed = &v
		changed = true
	}
	if u.ETASeconds != nil && (cur.ETASeconds == nil || *cur.ETASeconds != *u.ETASeconds) {
		v := *u.ETASeconds
		cur.ETASeconds = &v
		changed = true
	}
	if u.Result != nil {
		cur.Result = u.Result
		changed = true
	}
	if u.Error != nil && *u.Error != cur.Error {
		cur.Error = *u.Error
		changed = true
	}
	if u.CreatedAt != nil && (cur.CreatedAt == nil || !cur.CreatedAt.Equal(*u.CreatedAt)) {
		v := *u.CreatedAt
		cur.CreatedAt = &v
		changed = true
	}
	if u.StartedAt != nil && (cur.StartedAt == nil || !cur.StartedAt.Equal(*u.StartedAt)) {
		v := *u.StartedAt
		cur.StartedAt = &v
		changed = true
	}
	if u.CompletedAt != nil && (cur.CompletedAt == nil || !cur.CompletedAt.Equal(*u.CompletedAt)) {
		v := *u.CompletedAt
		cur.CompletedAt = &v
		changed = true
	}
	for k, v := range u.Metadata {
		if cur.Metadata[k] == v {
			continue
		}
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]string, len(u.Metadata))
		}
		cur.Metadata[k] = v
		changed = true
	}

	if changed {
		cur.UpdatedAt = time.Now().UTC()
	}
	return changed, nil
}

func (s *Store) insert(u JobUpdate) {
	s.ordinal++
	j := &models.Job{
		JobID:   u.JobID,
		Status:  models.JobStatusPending,
		Ordinal: s.ordinal,
	}
	if u.JobType != nil {
		j.JobType = *u.JobType
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		j.Progress = *u.Progress
	}
	if u.CurrentStep != nil {
		j.CurrentStep = *u.CurrentStep
	}
	if u.ProcessedItems != nil {
		v := *u.ProcessedItems
		j.ProcessedItems = &v
	}
	if u.TotalItems != nil {
		v := *u.TotalItems
		j.TotalItems = &v
	}
	if u.DownloadSpeed != nil {
		v := *u.DownloadSpeed
		j.DownloadSpeed = &v
	}
	if u.ETASeconds != nil {
		v := *u.ETASeconds
		j.ETASeconds = &v
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.CreatedAt != nil {
		v := *u.CreatedAt
		j.CreatedAt = &v
	}
	if u.StartedAt != nil {
		v := *u.StartedAt
		j.StartedAt = &v
	}
	if u.CompletedAt != nil {
		v := *u.CompletedAt
		j.CompletedAt = &v
	}
	if len(u.Metadata) > 0 {
		j.Metadata = make(map[string]string, len(u.Metadata))
		for k, v := range u.Metadata {
			j.Metadata[k] = v
		}
	}
	j.UpdatedAt = time.Now().UTC()
	s.jobs[u.JobID] = j

	if s.maxJobs > 0 && len(s.jobs) > s.maxJobs {
		s.evictTerminal()
	}
}

// evictTerminal drops the oldest terminal records until the store fits its
// bound again. Caller holds the write lock.
func (s *Store) evictTerminal() {
	for len(s.jobs) > s.maxJobs {
		victim := ""
		var oldest uint64
		for id, j := range s.jobs {
			if !j.Status.Terminal() {
				continue
			}
			if victim == "" || j.Ordinal < oldest {
				victim, oldest = id, j.Ordinal
			}
		}
		if victim == "" {
			return
		}
		delete(s.jobs, victim)
		s.log.Debug("evicted terminal job", "job_id", victim)
	}
}

// statusRank orders statuses so merges cannot move a job backwards:
// pending < running (or any unrecognized live status) < terminal.
func statusRank(st models.JobStatus) int {
	switch {
	case st.Terminal():
		return 2
	case st == models.JobStatusPending:
		return 0
	default:
		return 1
	}
}

// Job returns a copy of the record for id.
func (s *Store) Job(id string) (models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return j.Clone(), true
}

// Jobs returns copies of every record, oldest first.
func (s *Store) Jobs() []models.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Ordinal < out[k].Ordinal })
	return out
}

// Len reports how many jobs the store currently tracks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// AllTerminal reports whether the store tracks at least one job and every
// one of them is terminal. Pollers use it to stop once nothing can change.
func (s *Store) AllTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.jobs) == 0 {
		return false
	}
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			return false
		}
	}
	return true
}

// Remove deletes the record for id and reports whether it existed. Used when
// a retry replaces a failed job with a fresh one.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}
