package ports

import "wrts/internal/core/domain"

// DemuxerSink receives the parsed units of a demuxer.
type DemuxerSink struct {
	OnMetadata func(md *domain.Metadata)
	OnTracks   func(videoID, audioID int32)
	OnData     func(trackID uint32, time uint64, payload []byte)
	OnSample   func(trackID uint32, kind domain.TrackKind, sample *domain.Sample)
}

// Demuxer consumes wire bytes and emits parsed units to its sink.
type Demuxer interface {
	// Read consumes one frame (framed mode) or a stream chunk
	// (size-prefixed mode). Errors are fatal for the owning source.
	Read(p []byte) error
	// Reset drops buffered bytes and timestamp state.
	Reset()
}

// DemuxerFactory builds a demuxer wired to a sink. withSize selects the
// size-prefixed byte-stream mode.
type DemuxerFactory func(withSize bool, sink DemuxerSink) Demuxer
