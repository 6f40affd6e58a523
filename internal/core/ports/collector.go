package ports

import (
	"time"

	"wrts/internal/core/domain"
)

// Collector receives playback telemetry.
type Collector interface {
	RecordBufferLevel(ms int64)
	RecordBufferState(state domain.BufferState)
	RecordBitrate(kind domain.TrackKind, bytesPerSecond int)
	RecordBytesReceived(n int)
	RecordStall()
	RecordSkip(kind domain.TrackKind, ms int64)
	RecordSequenceDownload(d time.Duration, ok bool)
	RecordUpProbe(ok bool)
}

// NopCollector discards all telemetry.
type NopCollector struct{}

func (NopCollector) RecordBufferLevel(int64)                    {}
func (NopCollector) RecordBufferState(domain.BufferState)       {}
func (NopCollector) RecordBitrate(domain.TrackKind, int)        {}
func (NopCollector) RecordBytesReceived(int)                    {}
func (NopCollector) RecordStall()                               {}
func (NopCollector) RecordSkip(domain.TrackKind, int64)         {}
func (NopCollector) RecordSequenceDownload(time.Duration, bool) {}
func (NopCollector) RecordUpProbe(bool)                         {}
