package track

import (
	"sort"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// typeOrder is the canonical order jobs render in within a group. Types not
// listed sort after every known type, in arrival order among themselves.
var typeOrder = map[models.JobType]int{
	models.JobTypePipeline:       0,
	models.JobTypeDownload:       1,
	models.JobTypePostProcess:    2,
	models.JobTypeOrganize:       3,
	models.JobTypeNFOGenerate:    4,
	models.JobTypeMetadataEnrich: 5,
}

// stageSlot maps a discrete job type to the canonical stage it occupies.
// nfo_generate and metadata_enrich both land on the save_metadata stage.
var stageSlot = map[models.JobType]int{
	models.JobTypeDownload:       0,
	models.JobTypePostProcess:    1,
	models.JobTypeOrganize:       2,
	models.JobTypeNFOGenerate:    3,
	models.JobTypeMetadataEnrich: 3,
}

// Group derives pipeline views from a snapshot of jobs. Jobs sharing a
// video_id form one group; jobs without one form singleton groups keyed by
// their own job_id, never merged with anything else. Groups are sorted by
// first appearance so the view stays stable while jobs update.
// Returns empty slice for empty input (never nil).
func Group(jobs []models.Job) []models.PipelineGroup {
	if len(jobs) == 0 {
		return []models.PipelineGroup{}
	}

	type groupKey struct {
		key       string
		ungrouped bool
	}
	type groupState struct {
		key       string
		ungrouped bool
		jobs      []models.Job
		first     uint64
	}

	groups := make(map[groupKey]*groupState)
	for _, j := range jobs {
		k := groupKey{key: j.VideoID()}
		if k.key == "" {
			k = groupKey{key: j.JobID, ungrouped: true}
		}
		g, ok := groups[k]
		if !ok {
			g = &groupState{key: k.key, ungrouped: k.ungrouped, first: j.Ordinal}
			groups[k] = g
		}
		if j.Ordinal < g.first {
			g.first = j.Ordinal
		}
		g.jobs = append(g.jobs, j)
	}

	states := make([]*groupState, 0, len(groups))
	for _, g := range groups {
		states = append(states, g)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].first != states[j].first {
			return states[i].first < states[j].first
		}
		return states[i].key < states[j].key
	})

	out := make([]models.PipelineGroup, 0, len(states))
	for _, g := range states {
		out = append(out, buildGroup(g.key, g.ungrouped, g.jobs))
	}
	return out
}

// GroupFor derives the single pipeline view for one group key, if any of the
// given jobs belong to it.
func GroupFor(jobs []models.Job, key string) (models.PipelineGroup, bool) {
	for _, g := range Group(jobs) {
		if g.GroupKey == key {
			return g, true
		}
	}
	return models.PipelineGroup{}, false
}

func buildGroup(key string, ungrouped bool, jobs []models.Job) models.PipelineGroup {
	sort.SliceStable(jobs, func(i, j int) bool {
		ri, iKnown := typeOrder[jobs[i].JobType]
		rj, jKnown := typeOrder[jobs[j].JobType]
		if iKnown != jKnown {
			return iKnown
		}
		if iKnown && ri != rj {
			return ri < rj
		}
		return jobs[i].Ordinal < jobs[j].Ordinal
	})

	g := models.PipelineGroup{
		GroupKey:  key,
		Ungrouped: ungrouped,
		Jobs:      jobs,
		Status:    groupStatus(jobs),
	}

	if composite := findComposite(jobs); composite != nil {
		g.Steps = compositeSteps(*composite)
		g.Progress = composite.Progress
		if composite.Status == models.JobStatusCompleted {
			g.Progress = 1
		}
	} else {
		g.Steps = discreteSteps(jobs)
		g.Progress = meanProgress(jobs)
	}

	for _, j := range jobs {
		if j.UpdatedAt.After(g.UpdatedAt) {
			g.UpdatedAt = j.UpdatedAt
		}
	}
	return g
}

// groupStatus derives one status for a set of jobs. Priority order: any
// failure variant wins, then all-completed, then any running, else pending.
func groupStatus(jobs []models.Job) models.JobStatus {
	completed := 0
	running := false
	for _, j := range jobs {
		switch {
		case j.Status.Failure():
			return models.JobStatusFailed
		case j.Status == models.JobStatusCompleted:
			completed++
		case j.Status == models.JobStatusRunning:
			running = true
		}
	}
	if completed == len(jobs) {
		return models.JobStatusCompleted
	}
	if running {
		return models.JobStatusRunning
	}
	return models.JobStatusPending
}

// findComposite returns the pipeline-typed job whose single progress value
// stands for the whole run. When a group somehow holds several, the earliest
// seen is authoritative.
func findComposite(jobs []models.Job) *models.Job {
	var found *models.Job
	for i := range jobs {
		if jobs[i].JobType != models.JobTypePipeline {
			continue
		}
		if found == nil || jobs[i].Ordinal < found.Ordinal {
			found = &jobs[i]
		}
	}
	return found
}

// compositeSteps partitions [0,1] into one equal band per canonical stage.
// A band fully below the job's progress is completed; the band holding the
// progress value takes the job's own condition; bands above are pending.
// Band edges are inclusive below: progress exactly 0.25 completes the first
// of four stages and activates the second.
func compositeSteps(j models.Job) []models.StepStatus {
	n := len(models.PipelineStages)
	p := j.Progress
	if j.Status == models.JobStatusCompleted {
		p = 1
	}

	steps := make([]models.StepStatus, n)
	for i := range steps {
		steps[i].Name = models.PipelineStages[i]
		lo := float64(i) / float64(n)
		hi := float64(i+1) / float64(n)
		switch {
		case hi <= p:
			steps[i].Status = models.JobStatusCompleted
		case lo <= p:
			steps[i].Status = activeStepStatus(j.Status)
		default:
			steps[i].Status = models.JobStatusPending
		}
	}
	return steps
}

// activeStepStatus is the condition of the stage a composite job is
// currently inside of.
func activeStepStatus(st models.JobStatus) models.JobStatus {
	switch {
	case st.Failure():
		return models.JobStatusFailed
	case st == models.JobStatusRunning:
		return models.JobStatusRunning
	default:
		return models.JobStatusPending
	}
}

// discreteSteps assigns each job to its stage slot and derives one status
// per slot. Slots holding several jobs combine them with the same priority
// rule groups use; empty slots are pending.
func discreteSteps(jobs []models.Job) []models.StepStatus {
	slots := make([][]models.Job, len(models.PipelineStages))
	for _, j := range jobs {
		if i, ok := stageSlot[j.JobType]; ok {
			slots[i] = append(slots[i], j)
		}
	}

	steps := make([]models.StepStatus, len(models.PipelineStages))
	for i, members := range slots {
		st := models.JobStatusPending
		if len(members) > 0 {
			st = groupStatus(members)
		}
		steps[i] = models.StepStatus{Name: models.PipelineStages[i], Status: st}
	}
	return steps
}

// meanProgress averages member progress. Failed jobs contribute their last
// known value, not zero.
func meanProgress(jobs []models.Job) float64 {
	if len(jobs) == 0 {
		return 0
	}
	var sum float64
	for _, j := range jobs {
		sum += j.Progress
	}
	return sum / float64(len(jobs))
}
