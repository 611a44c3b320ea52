package cache

import "fmt"

// jobSnapshotPattern matches every key JobSnapshotKey produces.
const jobSnapshotPattern = "job:snapshot:*"

func JobSnapshotKey(jobID string) string {
	return fmt.Sprintf("job:snapshot:%s", jobID)
}

func RateLimitKey(keySuffix string) string {
	return fmt.Sprintf("ratelimit:%s", keySuffix)
}
