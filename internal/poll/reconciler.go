// Package poll fills the gaps the push channel leaves: it fetches job
// snapshots on an interval while the stream is down and on demand right
// after a reconnect.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// Config wires a Reconciler to its subscription.
type Config struct {
	// Fetch lists the target's current job snapshots. The context carries
	// the per-fetch timeout.
	Fetch func(ctx context.Context) ([]models.Job, error)

	// Apply merges one fetched snapshot batch. fetched is the batch's fetch
	// time, the basis for synthetic ordering tokens.
	Apply func(jobs []models.Job, fetched time.Time)

	// Suppress reports whether the interval tick should be skipped because
	// the stream currently covers this target. Sync ignores it.
	Suppress func() bool

	// Done reports whether every tracked job is terminal. Fetching goes
	// dormant while it returns true and resumes if new work appears.
	Done func() bool

	// Interval between poll attempts.
	Interval time.Duration

	// Timeout bounds each individual fetch. A timed-out fetch is logged and
	// retried on the next tick, never escalated.
	Timeout time.Duration

	Logger *slog.Logger
}

// Reconciler periodically pulls job snapshots for one subscription target
// and merges them through Apply. It is the source of truth while the stream
// is down and the catch-up mechanism right after it comes back.
type Reconciler struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New builds a reconciler. Nothing fetches until Start.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the interval loop. Calling it twice is a no-op.
func (r *Reconciler) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run()
}

// Close stops the loop and waits for it to exit, so no Apply call fires
// after Close returns. Idempotent.
func (r *Reconciler) Close() {
	r.closeOnce.Do(r.cancel)
	if r.started.Load() {
		<-r.done
	}
}

// Sync fetches and applies the target's snapshots immediately, suppression
// or not. This is the mandatory catch-up after a stream reconnect: any
// terminal event missed during the outage lands here, and the store's
// merge rules keep it from being overwritten later.
func (r *Reconciler) Sync(ctx context.Context) error {
	return r.fetchOnce(ctx)
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if r.cfg.Suppress != nil && r.cfg.Suppress() {
				continue
			}
			if r.cfg.Done != nil && r.cfg.Done() {
				continue
			}
			if err := r.fetchOnce(r.ctx); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.log.Warn("poll fetch failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) fetchOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	jobs, err := r.cfg.Fetch(ctx)
	if err != nil {
		return err
	}
	r.cfg.Apply(jobs, time.Now().UTC())
	return nil
}
