package track

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/poll"
	"github.com/kiranshivaraju/jobpulse/internal/stream"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// Action pass-through failures.
var (
	ErrUnknownJob   = errors.New("job not tracked")
	ErrNotRetryable = errors.New("job is not in a failed state")
)

// Options configures a Tracker.
type Options struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	MaxAttempts  int
	MaxJobs      int
	Logger       *slog.Logger
}

// Change describes one observable mutation of the tracked state.
type Change struct {
	// Job is the record after the merge, or its last snapshot when Removed.
	Job models.Job

	// Removed is set when the job left the store, which only happens when a
	// retry replaces a failed record.
	Removed bool

	// Group is the job's recomputed pipeline view, nil when the group
	// vanished together with the job.
	Group *models.PipelineGroup
}

// Tracker is the subscriber boundary: it runs one stream manager and one
// poll reconciler per subscribed target, merges everything they deliver
// into one store, and exposes the merged jobs and derived pipeline views.
type Tracker struct {
	client medialib.Client
	store  *Store
	norm   *Normalizer
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	targets   map[medialib.ListFilter]*target
	listeners map[uint64]func(Change)
	nextLis   uint64
	closed    bool
}

// target is the per-subscription machinery. One exists per distinct filter
// while at least one subscriber holds it open.
type target struct {
	refs    int
	manager *stream.Manager
	recon   *poll.Reconciler
}

// NewTracker builds a tracker on top of the media server client. No
// connection or poll starts until the first Subscribe.
func NewTracker(client medialib.Client, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Tracker{
		client:    client,
		store:     NewStore(opts.MaxJobs, opts.Logger),
		norm:      &Normalizer{},
		opts:      opts,
		log:       opts.Logger,
		targets:   make(map[medialib.ListFilter]*target),
		listeners: make(map[uint64]func(Change)),
	}
}

// Subscription is one consumer's hold on a target. Closing it releases the
// hold; the target's stream and poller shut down when the last hold closes.
type Subscription struct {
	t      *Tracker
	filter medialib.ListFilter
	id     uuid.UUID
	once   sync.Once
}

// Target returns the filter this subscription tracks.
func (s *Subscription) Target() medialib.ListFilter { return s.filter }

// Close releases the subscription. Idempotent. When it drops the last hold
// on the target it waits for the stream and poll loops to stop, so no store
// mutation for this target happens after it returns.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.t.log.Debug("subscription closed", "subscription_id", s.id, "target", s.filter.String())
		s.t.release(s.filter)
	})
}

// Subscribe starts (or joins) tracking for target. Each call must be paired
// with a Close on the returned subscription.
func (t *Tracker) Subscribe(target medialib.ListFilter) *Subscription {
	sub := &Subscription{t: t, filter: target, id: uuid.New()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		// Consume the once so a later Close is a no-op.
		sub.once.Do(func() {})
		return sub
	}
	tg, ok := t.targets[target]
	if !ok {
		tg = t.startTarget(target)
		t.targets[target] = tg
	}
	tg.refs++
	t.log.Debug("subscription opened", "subscription_id", sub.id, "target", target.String(), "refs", tg.refs)
	return sub
}

// startTarget builds and launches the per-target machinery. Caller holds
// t.mu.
func (t *Tracker) startTarget(f medialib.ListFilter) *target {
	norm := &Normalizer{}
	tg := &target{}

	tg.recon = poll.New(poll.Config{
		Fetch: func(ctx context.Context) ([]models.Job, error) {
			return t.client.ListJobs(ctx, f)
		},
		Apply: func(jobs []models.Job, fetched time.Time) {
			t.applyPoll(norm, jobs, fetched)
		},
		Suppress: func() bool { return tg.manager.Connected() },
		Done:     func() bool { return t.allTerminal(f) },
		Interval: t.opts.PollInterval,
		Timeout:  t.opts.FetchTimeout,
		Logger:   t.log,
	})

	tg.manager = stream.NewManager(stream.Config{
		Endpoint: func() (string, http.Header) { return t.client.StreamEndpoint(f) },
		OnMessage: func(data []byte) {
			t.applyStream(tg, norm, data)
		},
		OnConnect: func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.FetchTimeout)
			defer cancel()
			if err := tg.recon.Sync(ctx); err != nil {
				t.log.Warn("catch-up poll failed", "target", f.String(), "error", err)
			}
		},
		BackoffMin:  t.opts.BackoffMin,
		BackoffMax:  t.opts.BackoffMax,
		MaxAttempts: t.opts.MaxAttempts,
		Logger:      t.log,
	})

	tg.manager.Start()
	tg.recon.Start()
	return tg
}

func (t *Tracker) release(f medialib.ListFilter) {
	t.mu.Lock()
	tg, ok := t.targets[f]
	if !ok {
		t.mu.Unlock()
		return
	}
	tg.refs--
	if tg.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.targets, f)
	t.mu.Unlock()

	// Teardown blocks until both loops exit: the stream first so its
	// catch-up syncs cannot race the reconciler's shutdown.
	tg.manager.Close()
	tg.recon.Close()
}

// Close tears down every target. The tracker keeps serving lookups from its
// last known state but accepts no new subscriptions.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	targets := make([]*target, 0, len(t.targets))
	for _, tg := range t.targets {
		targets = append(targets, tg)
	}
	t.targets = make(map[medialib.ListFilter]*target)
	t.mu.Unlock()

	for _, tg := range targets {
		tg.manager.Close()
		tg.recon.Close()
	}
}

// --- ingestion ---

func (t *Tracker) applyStream(tg *target, norm *Normalizer, data []byte) {
	u, ok, err := norm.FromStream(data)
	if err != nil {
		t.log.Warn("dropping unrecognized stream event", "error", err)
		return
	}
	if !ok {
		return
	}
	tg.manager.RecordToken(u.Token)
	t.apply(u)
}

func (t *Tracker) applyPoll(norm *Normalizer, jobs []models.Job, fetched time.Time) {
	for _, j := range jobs {
		t.apply(norm.FromPoll(j, fetched))
	}
}

// SeedSnapshot merges externally persisted job snapshots, typically cache
// warm-start data, through the regular poll merge path so terminal state
// stays protected.
func (t *Tracker) SeedSnapshot(jobs []models.Job, fetched time.Time) {
	for _, j := range jobs {
		t.apply(t.norm.FromPoll(j, fetched))
	}
}

func (t *Tracker) apply(u JobUpdate) {
	changed, err := t.store.Upsert(u)
	if err != nil {
		t.log.Warn("rejected job update", "source", string(u.Source), "error", err)
		return
	}
	if changed {
		t.notifyJob(u.JobID)
	}
}

func (t *Tracker) notifyJob(jobID string) {
	job, ok := t.store.Job(jobID)
	if !ok {
		return
	}
	t.notify(Change{Job: job, Group: t.groupOf(job)})
}

func (t *Tracker) groupOf(job models.Job) *models.PipelineGroup {
	key := job.VideoID()
	if key == "" {
		key = job.JobID
	}
	if g, ok := GroupFor(t.store.Jobs(), key); ok {
		return &g
	}
	return nil
}

func (t *Tracker) notify(ch Change) {
	t.mu.Lock()
	fns := make([]func(Change), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(ch)
	}
}

// OnChange registers a callback fired after every observable mutation, on
// the goroutine that produced it. Callbacks must return quickly; fan out on
// your own goroutine if you need to block. The returned func removes the
// registration.
func (t *Tracker) OnChange(fn func(Change)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextLis
	t.nextLis++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// --- lookups ---

// Job returns the current record for id.
func (t *Tracker) Job(id string) (models.Job, bool) { return t.store.Job(id) }

// Jobs returns every tracked record, oldest first.
func (t *Tracker) Jobs() []models.Job { return t.store.Jobs() }

// Pipelines returns the derived pipeline views over all tracked jobs.
func (t *Tracker) Pipelines() []models.PipelineGroup { return Group(t.store.Jobs()) }

// Pipeline returns the derived view for one group key.
func (t *Tracker) Pipeline(key string) (models.PipelineGroup, bool) {
	return GroupFor(t.store.Jobs(), key)
}

// ConnStates reports each live target's connection snapshot, keyed by the
// target's string form.
func (t *Tracker) ConnStates() map[string]models.ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]models.ConnState, len(t.targets))
	for f, tg := range t.targets {
		out[f.String()] = tg.manager.State()
	}
	return out
}

// allTerminal reports whether every tracked job matching f is terminal,
// with at least one job tracked. Poll dormancy check.
func (t *Tracker) allTerminal(f medialib.ListFilter) bool {
	jobs := t.store.Jobs()
	matched := 0
	for _, j := range jobs {
		if !matchesFilter(j, f) {
			continue
		}
		matched++
		if !j.Status.Terminal() {
			return false
		}
	}
	return matched > 0
}

func matchesFilter(j models.Job, f medialib.ListFilter) bool {
	if f.JobID != "" && j.JobID != f.JobID {
		return false
	}
	if f.VideoID != "" && j.VideoID() != f.VideoID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.JobType != f.Type {
		return false
	}
	return true
}

// --- action pass-throughs ---

// Cancel asks the media server to cancel a job. Local state is untouched;
// the cancellation lands through the event sources like any other change.
func (t *Tracker) Cancel(ctx context.Context, jobID string) error {
	return t.client.CancelJob(ctx, jobID)
}

// Retry re-submits a failed job with the same type and metadata. On success
// the failed record is replaced by the fresh pending one; on failure local
// state is untouched.
func (t *Tracker) Retry(ctx context.Context, jobID string) (models.Job, error) {
	old, ok := t.store.Job(jobID)
	if !ok {
		return models.Job{}, ErrUnknownJob
	}
	if !old.Status.Failure() {
		return models.Job{}, ErrNotRetryable
	}

	created, err := t.client.CreateJob(ctx, old.JobType, old.Metadata)
	if err != nil {
		return models.Job{}, err
	}
	if created.JobID == "" {
		return models.Job{}, errors.New("media server returned job without id")
	}

	if t.store.Remove(jobID) {
		t.notify(Change{Job: old, Removed: true, Group: t.groupOf(old)})
	}
	t.apply(t.norm.FromPoll(created, time.Now().UTC()))
	return created, nil
}
