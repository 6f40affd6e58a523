package utils

import (
	"fmt"
	"time"
)

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// NowMillis returns the current wall time in milliseconds.
func NowMillis() uint64 {
	return uint64(Now().UnixMilli())
}

// Since returns time since given time
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}

// FormatDuration formats duration in human-readable format
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := d / time.Minute
		seconds := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, minutes)
}

// ParseDurationSafe safely parses duration string
func ParseDurationSafe(s string, defaultDuration time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultDuration
	}
	return d
}
