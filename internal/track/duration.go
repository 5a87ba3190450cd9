package track

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseClock parses a clock-style duration ("SS", "MM:SS" or "H:MM:SS") into
// a time.Duration. Empty and malformed strings parse as zero so that queue
// wait-time sums degrade gracefully for tracks with unknown durations.
func ParseClock(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0
	}

	var total int64
	for _, p := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + n
	}

	return time.Duration(total) * time.Second
}

// FormatClock renders a duration as H:MM:SS, matching the format used in
// queue listings and wait-time estimates.
func FormatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// FormatSeconds renders a whole number of seconds as H:MM:SS.
func FormatSeconds(secs int64) string {
	return FormatClock(time.Duration(secs) * time.Second)
}
