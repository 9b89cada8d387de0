package probe

import (
	"regexp"
	"strconv"
	"strings"
)

// downloadLineRE matches the tool's progress lines, e.g.
// "[download]  42.5% of 10.00MiB at 1.50MiB/s ETA 00:05" or
// "[download] 100% of ~3.50GiB in 00:12:03".
var downloadLineRE = regexp.MustCompile(`^\[download\]\s+([\d.]+)%\s+of\s+~?\s*([\d.]+)\s*([KMGT]i?B|B)`)

// parseDownloadLine extracts (done, total) byte counts from a tool progress
// line. ok is false for lines that are not progress updates.
func parseDownloadLine(line string) (done, total int64, ok bool) {
	m := downloadLineRE.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil || pct < 0 || pct > 100 {
		return 0, 0, false
	}
	size, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, 0, false
	}
	total = int64(size * float64(unitMultiplier(m[3])))
	done = int64(float64(total) * pct / 100)
	return done, total, true
}

func unitMultiplier(unit string) int64 {
	switch strings.ToUpper(unit) {
	case "B":
		return 1
	case "KB", "KIB":
		return 1 << 10
	case "MB", "MIB":
		return 1 << 20
	case "GB", "GIB":
		return 1 << 30
	case "TB", "TIB":
		return 1 << 40
	default:
		return 1
	}
}
