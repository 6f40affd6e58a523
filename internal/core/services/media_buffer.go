package services

import (
	"fmt"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
	"wrts/pkg/logger"
)

// MediaBuffer bridges one track to a platform source buffer through its
// CMAF writer.
type MediaBuffer struct {
	kind   domain.TrackKind
	log    *zap.SugaredLogger
	track  *domain.Track
	writer ports.FragmentWriter
	sink   ports.SinkBuffer

	appended  bool
	startTime uint64 // ms, first appended sample
	endTime   uint64 // ms, end of last appended sample
}

// NewMediaBuffer creates an uninitialized buffer for a kind.
func NewMediaBuffer(kind domain.TrackKind, log *zap.SugaredLogger) *MediaBuffer {
	if log == nil {
		log = logger.Nop()
	}
	return &MediaBuffer{kind: kind, log: log}
}

// Ready reports whether the buffer has been initialized with a track.
func (b *MediaBuffer) Ready() bool {
	return b.sink != nil
}

// Track returns the track feeding the buffer.
func (b *MediaBuffer) Track() *domain.Track {
	return b.track
}

// Init validates the track, opens the platform buffer and appends the
// initialization segment.
func (b *MediaBuffer) Init(sink ports.MediaSink, wf ports.FragmentWriterFactory,
	track *domain.Track, cp *domain.ProtectionEntry) error {

	if track == nil {
		return pkgerrors.NewAppError(pkgerrors.ErrCodeTrackWithoutMetadata,
			fmt.Sprintf("%s sample without a known track", b.kind))
	}

	writer, err := wf(track)
	if err != nil {
		return err
	}

	mime := fmt.Sprintf("%s/mp4; codecs=%q", b.kind, track.CodecString)
	sb, err := sink.OpenBuffer(b.kind, mime)
	if err != nil {
		return pkgerrors.WrapError(err, pkgerrors.ErrCodeSourceBufferAborted, "open buffer")
	}

	init, err := writer.Init(cp)
	if err != nil {
		return err
	}
	if err := sb.AppendInit(init); err != nil {
		return wrapAppendError(err, "append init")
	}

	b.track = track
	b.writer = writer
	b.sink = sb
	b.log.Infow("media buffer ready", "kind", b.kind.String(), "track", track.ID, "codec", track.CodecString)
	return nil
}

// Append writes one sample as a CMAF fragment into the platform buffer.
func (b *MediaBuffer) Append(sample *domain.Sample, cp *domain.ProtectionEntry) error {
	if b.sink == nil {
		return pkgerrors.NewAppError(pkgerrors.ErrCodeTrackWithoutMetadata,
			fmt.Sprintf("%s buffer not initialized", b.kind))
	}

	fragment := b.writer.Write(sample, cp)
	if err := b.sink.Append(fragment); err != nil {
		return wrapAppendError(err, fmt.Sprintf("append %s fragment", b.kind))
	}

	if !b.appended || sample.Time < b.startTime {
		b.startTime = sample.Time
	}
	if end := sample.End(); end > b.endTime {
		b.endTime = end
	}
	b.appended = true
	return nil
}

// Buffered reports the platform buffer range in seconds.
func (b *MediaBuffer) Buffered() (start, end float64, ok bool) {
	if b.sink == nil {
		return 0, 0, false
	}
	return b.sink.Buffered()
}

// Remove evicts a range to free quota.
func (b *MediaBuffer) Remove(start, end float64) error {
	if b.sink == nil {
		return nil
	}
	return b.sink.Remove(start, end)
}

// wrapAppendError keeps coded append errors and classifies the rest.
func wrapAppendError(err error, msg string) error {
	if appErr := pkgerrors.GetAppError(err); appErr != nil {
		return err
	}
	return pkgerrors.WrapError(err, pkgerrors.ErrCodeAppendBufferIssue, msg)
}
