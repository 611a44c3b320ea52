package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/jobpulse/internal/config"
	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/track"
	"github.com/kiranshivaraju/jobpulse/internal/watch"
)

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	videoID := fs.String("video-id", "", "only watch pipelines for this video")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !stdinIsTTY() {
		return errors.New("watch requires an interactive terminal (TTY)")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := medialib.NewHTTPClient(cfg.MediaServer.URL, cfg.MediaServer.APIKey, cfg.MediaServer.Timeout)

	// The dashboard owns the terminal, so tracker logs go nowhere.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	tracker := track.NewTracker(client, track.Options{
		PollInterval: cfg.Track.PollInterval,
		FetchTimeout: cfg.MediaServer.Timeout,
		BackoffMin:   cfg.Track.BackoffMin,
		BackoffMax:   cfg.Track.BackoffMax,
		MaxAttempts:  cfg.Track.MaxAttempts,
		MaxJobs:      cfg.Track.MaxJobs,
		Logger:       quiet,
	})
	defer tracker.Close()

	return watch.Run(tracker, medialib.ListFilter{VideoID: strings.TrimSpace(*videoID)})
}
