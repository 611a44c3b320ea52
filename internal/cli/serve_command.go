package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/jobpulse/internal/api"
	"github.com/kiranshivaraju/jobpulse/internal/api/handler"
	mw "github.com/kiranshivaraju/jobpulse/internal/api/middleware"
	"github.com/kiranshivaraju/jobpulse/internal/api/response"
	"github.com/kiranshivaraju/jobpulse/internal/cache"
	"github.com/kiranshivaraju/jobpulse/internal/config"
	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/track"
)

const (
	shutdownTimeout = 30 * time.Second

	// snapshotWriteTimeout bounds each write-through to the snapshot cache so
	// a stalled Redis cannot back up the change feed.
	snapshotWriteTimeout = 2 * time.Second
)

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	port := fs.Int("port", 0, "listen port (overrides JOBPULSE_PORT)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	slog.Info("config loaded", "media_server", cfg.MediaServer.URL, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Media server client
	client := medialib.NewHTTPClient(cfg.MediaServer.URL, cfg.MediaServer.APIKey, cfg.MediaServer.Timeout)

	// 3. Snapshot cache, optional: without REDIS_URL the server runs from
	// memory alone and skips the warm start.
	var snapCache cache.Cache
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		snapCache = redisCache
		slog.Info("redis connected")
	} else {
		slog.Info("no REDIS_URL set, snapshot cache disabled")
	}

	// 4. Tracker, seeded from the last run's snapshots when a cache is present
	tracker := track.NewTracker(client, track.Options{
		PollInterval: cfg.Track.PollInterval,
		FetchTimeout: cfg.MediaServer.Timeout,
		BackoffMin:   cfg.Track.BackoffMin,
		BackoffMax:   cfg.Track.BackoffMax,
		MaxAttempts:  cfg.Track.MaxAttempts,
		MaxJobs:      cfg.Track.MaxJobs,
		Logger:       slog.Default(),
	})
	defer tracker.Close()

	if snapCache != nil {
		if jobs, err := snapCache.ListJobSnapshots(ctx); err != nil {
			slog.Warn("snapshot warm start failed", "error", err)
		} else if len(jobs) > 0 {
			tracker.SeedSnapshot(jobs, time.Now().UTC())
			slog.Info("warm start from snapshot cache", "jobs", len(jobs))
		}
	}

	// 5. Websocket hub fed by the tracker's change feed; the same feed
	// writes every merge through to the snapshot cache.
	hub := handler.NewHub(slog.Default())
	defer hub.Close()

	off := tracker.OnChange(func(ch track.Change) {
		hub.Broadcast(ch)

		if snapCache == nil {
			return
		}
		wctx, cancel := context.WithTimeout(context.Background(), snapshotWriteTimeout)
		defer cancel()
		if ch.Removed {
			if err := snapCache.DeleteJobSnapshot(wctx, ch.Job.JobID); err != nil {
				slog.Warn("snapshot delete failed", "job_id", ch.Job.JobID, "error", err)
			}
			return
		}
		if err := snapCache.SetJobSnapshot(wctx, ch.Job, cfg.Redis.SnapshotTTL); err != nil {
			slog.Warn("snapshot write failed", "job_id", ch.Job.JobID, "error", err)
		}
	})
	defer off()

	// 6. The server itself tracks everything; per-client filters are applied
	// at the fan-out edge.
	sub := tracker.Subscribe(medialib.ListFilter{})
	defer sub.Close()

	// 7. Build router with dependencies
	rateLimit := mw.NewRateLimit(snapCache, cfg.RateLimit.PerMinute)

	deps := api.Dependencies{
		Logger:    slog.Default(),
		RateLimit: rateLimit,

		HealthHandler:    healthHandler(client, snapCache, tracker),
		ListJobsHandler:  handler.NewListJobsHandler(tracker),
		GetJobHandler:    handler.NewGetJobHandler(tracker),
		CancelJobHandler: handler.NewCancelJobHandler(tracker),
		RetryJobHandler:  handler.NewRetryJobHandler(tracker),
		ListPipelines:    handler.NewListPipelinesHandler(tracker),
		GetPipeline:      handler.NewGetPipelineHandler(tracker),
		WatchHandler:     hub.Handler(),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks media server and cache connectivity and reports the
// push-channel states.
func healthHandler(client medialib.Client, c cache.Cache, tr *track.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"media_server": "ok",
			"cache":        "ok",
		}

		if err := client.Ready(r.Context()); err != nil {
			checks["media_server"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["media_server"] == "degraded" || checks["cache"] == "degraded"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"streams":  tr.ConnStates(),
		})
	}
}
