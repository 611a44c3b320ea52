package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobSnapshot(ctx context.Context, job models.Job, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID string) (models.Job, bool, error)
	ListJobSnapshots(ctx context.Context) ([]models.Job, error)
	DeleteJobSnapshot(ctx context.Context, jobID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// SetJobSnapshot writes one job's full state, the write-through half of the
// warm start.
func (c *RedisCache) SetJobSnapshot(ctx context.Context, job models.Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job snapshot: %w", err)
	}
	return c.client.Set(ctx, JobSnapshotKey(job.JobID), data, ttl).Err()
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID string) (models.Job, bool, error) {
	val, err := c.client.Get(ctx, JobSnapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	var job models.Job
	if err := json.Unmarshal(val, &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decoding job snapshot: %w", err)
	}
	return job, true, nil
}

// ListJobSnapshots returns every cached snapshot, oldest first, for warm
// starts. Entries that expire mid-listing or fail to decode are skipped.
func (c *RedisCache) ListJobSnapshots(ctx context.Context) ([]models.Job, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, jobSnapshotPattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []models.Job{}, nil
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]models.Job, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job models.Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		ti, tj := snapshotTime(jobs[i]), snapshotTime(jobs[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	return jobs, nil
}

func (c *RedisCache) DeleteJobSnapshot(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, JobSnapshotKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// snapshotTime orders warm-start snapshots by when the job first existed,
// so group ordering survives a restart.
func snapshotTime(j models.Job) time.Time {
	if j.CreatedAt != nil {
		return *j.CreatedAt
	}
	return j.UpdatedAt
}
