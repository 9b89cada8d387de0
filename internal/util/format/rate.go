package format

import "time"

// HumanizeRate converts a byte count transferred over elapsed time into a
// human-readable throughput string (e.g., "1.5 MB/s"). A non-positive elapsed
// duration yields "0 B/s" rather than a division by zero.
func HumanizeRate(bytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0 B/s"
	}
	perSec := int64(float64(bytes) / elapsed.Seconds())
	return HumanizeBytes(perSec) + "/s"
}
