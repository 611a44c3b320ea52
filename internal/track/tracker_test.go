package track_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/track"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// fakeClient is an in-memory media server client. The stream endpoint
// defaults to an unreachable address so poll behavior can be tested alone;
// point streamURL at a test websocket server to exercise the push path.
type fakeClient struct {
	mu        sync.Mutex
	jobs      []models.Job
	listErr   error
	listCalls atomic.Int64

	createFn func(jobType models.JobType, metadata map[string]string) (models.Job, error)

	cancelled []string
	cancelErr error

	streamURL string
}

func (f *fakeClient) setJobs(jobs ...models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = jobs
}

func (f *fakeClient) CreateJob(_ context.Context, jobType models.JobType, metadata map[string]string) (models.Job, error) {
	f.mu.Lock()
	fn := f.createFn
	f.mu.Unlock()
	if fn == nil {
		return models.Job{}, medialib.ErrAPI
	}
	return fn(jobType, metadata)
}

func (f *fakeClient) GetJob(_ context.Context, jobID string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.JobID == jobID {
			return j, nil
		}
	}
	return models.Job{}, medialib.ErrNotFound
}

func (f *fakeClient) ListJobs(context.Context, medialib.ListFilter) ([]models.Job, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]models.Job, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

func (f *fakeClient) CancelJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

func (f *fakeClient) Ready(context.Context) error { return nil }

func (f *fakeClient) StreamEndpoint(medialib.ListFilter) (string, http.Header) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streamURL == "" {
		return "ws://127.0.0.1:1/api/v1/jobs/ws", nil
	}
	return f.streamURL, nil
}

var _ medialib.Client = (*fakeClient)(nil)

func testOptions() track.Options {
	return track.Options{
		PollInterval: 10 * time.Millisecond,
		FetchTimeout: time.Second,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   25 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// wsServer runs a websocket endpoint, handing each accepted connection to
// serve along with its 1-based connection number.
func wsServer(t *testing.T, serve func(n int64, c *websocket.Conn)) string {
	t.Helper()
	var upgrader websocket.Upgrader
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		serve(conns.Add(1), c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain keeps a server-side connection open until the peer goes away.
func drain(c *websocket.Conn) {
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

// --- poll path ---

func TestTracker_PollFillsStoreWithoutStream(t *testing.T) {
	fc := &fakeClient{}
	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.4, "v1", 0))

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		j, ok := tr.Job("j1")
		return ok && j.Status == models.JobStatusRunning && j.Progress == 0.4
	}, 3*time.Second, 5*time.Millisecond)

	states := tr.ConnStates()
	require.Contains(t, states, "all")
}

func TestTracker_PollPicksUpProgress(t *testing.T) {
	fc := &fakeClient{}
	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.3, "v1", 0))

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()
	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		j, ok := tr.Job("j1")
		return ok && j.Progress == 0.3
	}, 3*time.Second, 5*time.Millisecond)

	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.7, "v1", 0))

	require.Eventually(t, func() bool {
		j, _ := tr.Job("j1")
		return j.Progress == 0.7
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTracker_UnsubscribeStopsPolling(t *testing.T) {
	fc := &fakeClient{}
	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.4, "v1", 0))

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	sub := tr.Subscribe(medialib.ListFilter{})
	require.Eventually(t, func() bool {
		return fc.listCalls.Load() > 0
	}, 3*time.Second, 5*time.Millisecond)

	sub.Close()

	frozen := fc.listCalls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, frozen, fc.listCalls.Load(), "no fetch may start after the last hold closes")
	assert.Empty(t, tr.ConnStates())

	// State stays available for lookups after teardown.
	_, ok := tr.Job("j1")
	assert.True(t, ok)
}

func TestTracker_SharedTargetRefcounts(t *testing.T) {
	fc := &fakeClient{}
	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	sub1 := tr.Subscribe(medialib.ListFilter{})
	sub2 := tr.Subscribe(medialib.ListFilter{})

	require.Eventually(t, func() bool {
		return fc.listCalls.Load() > 0
	}, 3*time.Second, 5*time.Millisecond)

	sub1.Close()
	n := fc.listCalls.Load()
	require.Eventually(t, func() bool {
		return fc.listCalls.Load() > n
	}, 3*time.Second, 5*time.Millisecond, "the target must keep polling while one hold remains")

	sub2.Close()
	frozen := fc.listCalls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, frozen, fc.listCalls.Load())
}

func TestTracker_PollGoesDormantWhenAllTerminal(t *testing.T) {
	fc := &fakeClient{}
	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusCompleted, 1.0, "v1", 0))

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()
	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		j, ok := tr.Job("j1")
		return ok && j.Status == models.JobStatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	// Let any in-flight tick finish, then the poller must sit idle.
	time.Sleep(50 * time.Millisecond)
	dormant := fc.listCalls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dormant, fc.listCalls.Load())

	// A fresh live job wakes it back up.
	tr.SeedSnapshot([]models.Job{job("j2", models.JobTypeDownload, models.JobStatusRunning, 0.1, "v2", 0)}, time.Now().UTC())
	require.Eventually(t, func() bool {
		return fc.listCalls.Load() > dormant
	}, 3*time.Second, 5*time.Millisecond)
}

// --- change notifications ---

func TestTracker_OnChangeDeliversJobAndGroup(t *testing.T) {
	fc := &fakeClient{}
	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.4, "v1", 0))

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	var mu sync.Mutex
	var changes []track.Change
	off := tr.OnChange(func(ch track.Change) {
		mu.Lock()
		changes = append(changes, ch)
		mu.Unlock()
	})

	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range changes {
			if ch.Job.JobID == "j1" && ch.Group != nil && ch.Group.GroupKey == "v1" {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	off()
	mu.Lock()
	seen := len(changes)
	mu.Unlock()

	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.9, "v1", 0))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, seen, len(changes), "deregistered listeners must not fire")
	mu.Unlock()
}

// --- stream path ---

func TestTracker_StreamEventsReachStore(t *testing.T) {
	fc := &fakeClient{}
	fc.streamURL = wsServer(t, func(n int64, c *websocket.Conn) {
		frame := `{"type":"job.progress","seq":7,"job":{"job_id":"j1","job_type":"download","status":"running","progress":0.5,"metadata":{"video_id":"v1"}}}`
		if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
		drain(c)
	})

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()
	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		j, ok := tr.Job("j1")
		return ok && j.Progress == 0.5
	}, 3*time.Second, 5*time.Millisecond)

	states := tr.ConnStates()
	require.Contains(t, states, "all")
	assert.Equal(t, models.ConnConnected, states["all"].Phase)
	assert.Equal(t, uint64(7), states["all"].LastToken)
}

func TestTracker_BadStreamFramesAreDroppedNotFatal(t *testing.T) {
	fc := &fakeClient{}
	fc.streamURL = wsServer(t, func(n int64, c *websocket.Conn) {
		for _, frame := range []string{
			`total garbage`,
			`{"type":"job.exploded","job":{"job_id":"zz"}}`,
			`{"type":"job.completed","job":{"job_id":"j1","status":"completed","progress":1.0}}`,
		} {
			if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		drain(c)
	})

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()
	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		j, ok := tr.Job("j1")
		return ok && j.Status == models.JobStatusCompleted
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.ConnConnected, tr.ConnStates()["all"].Phase)
}

func TestTracker_ReconnectCatchUpMergesMissedTerminals(t *testing.T) {
	fc := &fakeClient{}
	fc.setJobs(job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.4, "v1", 0))

	fc.streamURL = wsServer(t, func(n int64, c *websocket.Conn) {
		if n == 1 {
			frame := `{"type":"job.progress","seq":1,"job":{"job_id":"j1","status":"running","progress":0.5}}`
			_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
			// Terminal transitions happen while the connection is down.
			fc.setJobs(
				job("j1", models.JobTypeDownload, models.JobStatusCompleted, 1.0, "v1", 0),
				job("j2", models.JobTypeOrganize, models.JobStatusFailed, 0.3, "v1", 0),
			)
			return // hard disconnect
		}
		drain(c)
	})

	opts := testOptions()
	opts.PollInterval = time.Hour // only the reconnect catch-up may fetch
	tr := track.NewTracker(fc, opts)
	defer tr.Close()
	sub := tr.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	require.Eventually(t, func() bool {
		j1, ok1 := tr.Job("j1")
		j2, ok2 := tr.Job("j2")
		return ok1 && ok2 &&
			j1.Status == models.JobStatusCompleted &&
			j2.Status == models.JobStatusFailed
	}, 5*time.Second, 5*time.Millisecond)

	j1, _ := tr.Job("j1")
	assert.Equal(t, 1.0, j1.Progress)
	j2, _ := tr.Job("j2")
	assert.Equal(t, 0.3, j2.Progress, "failed jobs keep their last known progress")

	require.Eventually(t, func() bool {
		st := tr.ConnStates()["all"]
		return st.Phase == models.ConnConnected && st.Attempts == 0
	}, 3*time.Second, 5*time.Millisecond)
}

// --- actions ---

func TestTracker_CancelDelegates(t *testing.T) {
	fc := &fakeClient{}
	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	require.NoError(t, tr.Cancel(context.Background(), "j1"))
	fc.mu.Lock()
	assert.Equal(t, []string{"j1"}, fc.cancelled)
	fc.mu.Unlock()

	fc.cancelErr = medialib.ErrNotFound
	assert.ErrorIs(t, tr.Cancel(context.Background(), "missing"), medialib.ErrNotFound)
}

func TestTracker_RetryReplacesFailedJob(t *testing.T) {
	fc := &fakeClient{}
	var gotType models.JobType
	var gotMeta map[string]string
	fc.createFn = func(jobType models.JobType, metadata map[string]string) (models.Job, error) {
		gotType = jobType
		gotMeta = metadata
		return models.Job{
			JobID:    "j1-retry",
			JobType:  jobType,
			Status:   models.JobStatusPending,
			Metadata: metadata,
		}, nil
	}

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	failed := job("j1", models.JobTypeDownload, models.JobStatusFailed, 0.6, "v1", 0)
	tr.SeedSnapshot([]models.Job{failed}, time.Now().UTC())

	var mu sync.Mutex
	var removed []string
	tr.OnChange(func(ch track.Change) {
		if ch.Removed {
			mu.Lock()
			removed = append(removed, ch.Job.JobID)
			mu.Unlock()
		}
	})

	created, err := tr.Retry(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1-retry", created.JobID)
	assert.Equal(t, models.JobTypeDownload, gotType)
	assert.Equal(t, map[string]string{"video_id": "v1"}, gotMeta)

	_, ok := tr.Job("j1")
	assert.False(t, ok, "the failed record is replaced, not kept")

	fresh, ok := tr.Job("j1-retry")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusPending, fresh.Status)
	assert.Equal(t, "v1", fresh.VideoID(), "the replacement lands in the same group")

	mu.Lock()
	assert.Equal(t, []string{"j1"}, removed)
	mu.Unlock()
}

func TestTracker_RetryRejectsNonFailedJobs(t *testing.T) {
	fc := &fakeClient{}
	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	tr.SeedSnapshot([]models.Job{
		job("live", models.JobTypeDownload, models.JobStatusRunning, 0.4, "v1", 0),
	}, time.Now().UTC())

	_, err := tr.Retry(context.Background(), "live")
	assert.ErrorIs(t, err, track.ErrNotRetryable)

	_, err = tr.Retry(context.Background(), "never-seen")
	assert.ErrorIs(t, err, track.ErrUnknownJob)
}

func TestTracker_RetryLeavesStateAloneOnCreateFailure(t *testing.T) {
	fc := &fakeClient{}
	fc.createFn = func(models.JobType, map[string]string) (models.Job, error) {
		return models.Job{}, medialib.ErrUnreachable
	}

	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()
	tr.SeedSnapshot([]models.Job{
		job("j1", models.JobTypeDownload, models.JobStatusFailed, 0.6, "v1", 0),
	}, time.Now().UTC())

	_, err := tr.Retry(context.Background(), "j1")
	assert.ErrorIs(t, err, medialib.ErrUnreachable)

	j, ok := tr.Job("j1")
	require.True(t, ok, "the failed record survives an unreachable server")
	assert.Equal(t, models.JobStatusFailed, j.Status)
}

// --- lifecycle ---

func TestTracker_SubscribeAfterCloseIsInert(t *testing.T) {
	fc := &fakeClient{}
	tr := track.NewTracker(fc, testOptions())
	tr.Close()

	sub := tr.Subscribe(medialib.ListFilter{})
	sub.Close()
	sub.Close() // idempotent

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fc.listCalls.Load())
	assert.Empty(t, tr.ConnStates())
}

func TestTracker_SeedSnapshotRespectsTerminalWins(t *testing.T) {
	fc := &fakeClient{}
	tr := track.NewTracker(fc, testOptions())
	defer tr.Close()

	tr.SeedSnapshot([]models.Job{
		job("j1", models.JobTypeDownload, models.JobStatusCompleted, 1.0, "v1", 0),
	}, time.Now().UTC())

	// A stale snapshot from a slower source cannot resurrect the job.
	tr.SeedSnapshot([]models.Job{
		job("j1", models.JobTypeDownload, models.JobStatusRunning, 0.2, "v1", 0),
	}, time.Now().UTC())

	j, ok := tr.Job("j1")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, j.Status)
	assert.Equal(t, 1.0, j.Progress)
}
