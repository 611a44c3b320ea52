// Package cli implements the jobpulse command line: the tracking server,
// the interactive watch mode, and one-shot status queries.
package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "watch":
		return runWatch(args[1:])
	case "status":
		return runStatus(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("jobpulse: live pipeline tracker for the media-library job queue")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  export MEDIA_SERVER_URL=http://localhost:8080")
	fmt.Println("  jobpulse serve")
	fmt.Println("  jobpulse watch")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     run the tracking server (HTTP view API + websocket fan-out)")
	fmt.Println("  watch     interactive terminal view of the tracked pipelines")
	fmt.Println("  status    one-shot pipeline rollup straight from the media server")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Configuration comes from the environment; see MEDIA_SERVER_URL,")
	fmt.Println("    REDIS_URL, POLL_INTERVAL and JOBPULSE_PORT")
	fmt.Println("  - Use --json on status for machine-readable output")
	fmt.Println("  - Use --video-id on watch/status to scope to one video")
}
