package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/jobpulse/internal/config"
	"github.com/kiranshivaraju/jobpulse/internal/medialib"
	"github.com/kiranshivaraju/jobpulse/internal/track"
	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

type statusResult struct {
	Pipelines []models.PipelineGroup `json:"pipelines"`
	Totals    statusTotals           `json:"totals"`
}

type statusTotals struct {
	Pipelines int `json:"pipelines"`
	Jobs      int `json:"jobs"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// runStatus fetches the job list once and prints the derived pipeline views.
// No tracker, no cache: one listing, straight from the media server.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	videoID := fs.String("video-id", "", "only show pipelines for this video")
	jsonOut := fs.Bool("json", false, "print JSON output")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := medialib.NewHTTPClient(cfg.MediaServer.URL, cfg.MediaServer.APIKey, cfg.MediaServer.Timeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MediaServer.Timeout)
	defer cancel()

	jobs, err := client.ListJobs(ctx, medialib.ListFilter{VideoID: strings.TrimSpace(*videoID)})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	groups := track.Group(jobs)
	res := statusResult{Pipelines: groups, Totals: tallyStatus(groups)}

	if *jsonOut {
		return printJSON(res)
	}

	if len(groups) == 0 {
		fmt.Println("no jobs reported")
		return nil
	}

	for _, g := range groups {
		name := g.GroupKey
		if g.Ungrouped {
			name += " (single)"
		}
		fmt.Printf("%s [%s] %3.0f%%\n", name, g.Status, g.Progress*100)
		for _, st := range g.Steps {
			fmt.Printf("  %-14s %s\n", st.Name, st.Status)
		}
	}
	fmt.Println("totals")
	fmt.Printf("  pipelines: %d\n", res.Totals.Pipelines)
	fmt.Printf("  jobs: %d\n", res.Totals.Jobs)
	fmt.Printf("  running: %d\n", res.Totals.Running)
	fmt.Printf("  completed: %d\n", res.Totals.Completed)
	fmt.Printf("  failed: %d\n", res.Totals.Failed)
	return nil
}

func tallyStatus(groups []models.PipelineGroup) statusTotals {
	t := statusTotals{Pipelines: len(groups)}
	for _, g := range groups {
		t.Jobs += len(g.Jobs)
		switch g.Status {
		case models.JobStatusRunning:
			t.Running++
		case models.JobStatusCompleted:
			t.Completed++
		case models.JobStatusFailed:
			t.Failed++
		default:
			t.Pending++
		}
	}
	return t
}
