package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/jobpulse/internal/cache"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)

	return rc
}

// --- Ping ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	err := rc.Ping(context.Background())
	assert.NoError(t, err)
}

// --- Set / Get roundtrip ---

func TestSetGet_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "test:key", []byte("hello"), 10*time.Second)
	require.NoError(t, err)

	val, found, err := rc.Get(ctx, "test:key")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), val)
}

func TestGet_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	val, found, err := rc.Get(context.Background(), "nonexistent:key")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestSet_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	err := rc.Set(ctx, "expiry:key", []byte("temp"), 1*time.Second)
	require.NoError(t, err)

	// Immediately should exist
	_, found, err := rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.True(t, found)

	// Wait for TTL to expire
	time.Sleep(1500 * time.Millisecond)

	_, found, err = rc.Get(ctx, "expiry:key")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- Delete ---

func TestDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.Set(ctx, "del:key", []byte("bye"), 10*time.Second))

	err := rc.Delete(ctx, "del:key")
	require.NoError(t, err)

	_, found, err := rc.Get(ctx, "del:key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDelete_NonExistent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	err := rc.Delete(context.Background(), "does:not:exist")
	assert.NoError(t, err)
}

// --- Job snapshots ---

func TestJobSnapshot_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	speed := 2097152.0
	eta := 45
	created := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	job := models.Job{
		JobID:         "job-1",
		JobType:       models.JobTypeDownload,
		Status:        models.JobStatusRunning,
		Progress:      0.62,
		CurrentStep:   "downloading video",
		DownloadSpeed: &speed,
		ETASeconds:    &eta,
		CreatedAt:     &created,
		Metadata:      map[string]string{"video_id": "v1"},
		UpdatedAt:     created.Add(time.Minute),
	}

	require.NoError(t, rc.SetJobSnapshot(ctx, job, 10*time.Second))

	got, found, err := rc.GetJobSnapshot(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, job.Status, got.Status)
	assert.Equal(t, job.Progress, got.Progress)
	assert.Equal(t, job.CurrentStep, got.CurrentStep)
	require.NotNil(t, got.DownloadSpeed)
	assert.Equal(t, speed, *got.DownloadSpeed)
	require.NotNil(t, got.ETASeconds)
	assert.Equal(t, eta, *got.ETASeconds)
	assert.Equal(t, job.Metadata, got.Metadata)
}

func TestGetJobSnapshot_NotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	_, found, err := rc.GetJobSnapshot(context.Background(), "never-stored")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestListJobSnapshots_SortedOldestFirst(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for _, j := range []struct {
		id     string
		offset time.Duration
	}{
		{"job-c", 2 * time.Hour},
		{"job-a", 0},
		{"job-b", time.Hour},
	} {
		created := base.Add(j.offset)
		require.NoError(t, rc.SetJobSnapshot(ctx, models.Job{
			JobID:     j.id,
			Status:    models.JobStatusRunning,
			CreatedAt: &created,
		}, 10*time.Second))
	}

	// Unrelated keys must not leak into the listing.
	require.NoError(t, rc.Set(ctx, "unrelated:key", []byte("x"), 10*time.Second))

	jobs, err := rc.ListJobSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-a", jobs[0].JobID)
	assert.Equal(t, "job-b", jobs[1].JobID)
	assert.Equal(t, "job-c", jobs[2].JobID)
}

func TestListJobSnapshots_Empty(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)

	jobs, err := rc.ListJobSnapshots(context.Background())
	require.NoError(t, err)
	require.NotNil(t, jobs)
	assert.Len(t, jobs, 0)
}

func TestDeleteJobSnapshot(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.SetJobSnapshot(ctx, models.Job{JobID: "job-1"}, 10*time.Second))
	require.NoError(t, rc.DeleteJobSnapshot(ctx, "job-1"))

	_, found, err := rc.GetJobSnapshot(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, found)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:test:" + uuid.NewString()[:8]

	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	val, err = rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := "ratelimit:expiry:" + uuid.NewString()[:8]

	_, err := rc.IncrWithExpiry(ctx, key, 1*time.Second)
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)

	// After expiry, should start from 1 again
	val, err := rc.IncrWithExpiry(ctx, key, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

// --- Cache Key Builders ---

func TestJobSnapshotKey(t *testing.T) {
	key := cache.JobSnapshotKey("job-42")
	assert.Equal(t, "job:snapshot:job-42", key)
}

func TestRateLimitKey(t *testing.T) {
	key := cache.RateLimitKey("10.0.0.7")
	assert.Equal(t, "ratelimit:10.0.0.7", key)
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.JobSnapshotKey("id-1"): true,
		cache.RateLimitKey("id-1"):   true,
	}
	assert.Len(t, keys, 2, "all keys should be unique")
}
