package services

import (
	"sync"
	"time"

	"wrts/pkg/utils"
)

// maxRateWindow bounds the averaging window of the rate meter; the window
// otherwise follows the current GOP.
const maxRateWindow = 10 * time.Second

type rateSample struct {
	at    time.Time
	bytes int
}

// RateMeter measures the receive byte rate over the current group of
// pictures, bounded at ten seconds.
type RateMeter struct {
	mu      sync.Mutex
	samples []rateSample
	gopAt   time.Time
}

// NewRateMeter creates an empty meter.
func NewRateMeter() *RateMeter {
	return &RateMeter{}
}

// Add records n received bytes.
func (m *RateMeter) Add(n int) {
	now := utils.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, rateSample{at: now, bytes: n})
	m.prune(now)
}

// MarkKeyFrame restarts the GOP averaging window.
func (m *RateMeter) MarkKeyFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gopAt = utils.Now()
}

// ByteRate returns the measured receive rate in bytes per second, zero
// while nothing has been measured.
func (m *RateMeter) ByteRate() int {
	now := utils.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)

	if len(m.samples) == 0 {
		return 0
	}
	total := 0
	for _, s := range m.samples {
		total += s.bytes
	}
	elapsed := now.Sub(m.samples[0].at)
	if elapsed < 100*time.Millisecond {
		elapsed = 100 * time.Millisecond
	}
	return int(float64(total) / elapsed.Seconds())
}

// prune drops samples outside the averaging window. Callers hold the lock.
func (m *RateMeter) prune(now time.Time) {
	cutoff := now.Add(-maxRateWindow)
	if !m.gopAt.IsZero() && m.gopAt.After(cutoff) {
		cutoff = m.gopAt
	}
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = m.samples[i:]
	}
}
