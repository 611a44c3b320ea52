package watch

import (
	"fmt"
	"math"

	"github.com/kiranshivaraju/jobpulse/pkg/models"
)

// formatSpeed renders a byte throughput as an IEC rate, "2.1 MiB/s".
// Non-positive rates render as nothing so idle rows stay clean.
func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return ""
	}
	return formatBytesIEC(int64(math.Round(bytesPerSec))) + "/s"
}

func formatBytesIEC(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	suffix := "KMGTPE"[exp]
	return fmt.Sprintf("%.1f %ciB", value, suffix)
}

// formatETA renders remaining seconds the way a download dashboard does:
// coarse above a minute, "<1m" below it, nothing when unknown.
func formatETA(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	if seconds < 60 {
		return "<1m"
	}
	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remMinutes := minutes % 60
	if hours < 24 {
		if remMinutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh %dm", hours, remMinutes)
	}
	days := hours / 24
	remHours := hours % 24
	if remHours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, remHours)
}

func statusGlyph(s models.JobStatus) string {
	switch s.Display() {
	case models.JobStatusCompleted:
		return "✓"
	case models.JobStatusFailed:
		return "✗"
	case models.JobStatusRunning:
		return "▶"
	default:
		return "·"
	}
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
