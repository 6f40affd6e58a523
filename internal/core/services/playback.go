package services

import (
	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	"wrts/pkg/logger"
)

// Playback drains demuxed samples into the two media buffers and exposes
// the aggregate buffered range.
type Playback struct {
	log  *zap.SugaredLogger
	sink ports.MediaSink
	wf   ports.FragmentWriterFactory

	audio *MediaBuffer
	video *MediaBuffer
	md    *domain.Metadata

	// OnData receives data-track payloads (timed metadata cues).
	OnData func(trackID uint32, time uint64, payload []byte)
}

// NewPlayback wires the playback side onto a media sink.
func NewPlayback(sink ports.MediaSink, wf ports.FragmentWriterFactory, log *zap.SugaredLogger) *Playback {
	if log == nil {
		log = logger.Nop()
	}
	return &Playback{
		log:   log,
		sink:  sink,
		wf:    wf,
		audio: NewMediaBuffer(domain.KindAudio, log),
		video: NewMediaBuffer(domain.KindVideo, log),
	}
}

// SetMetadata records the stream description used to resolve protection
// entries.
func (p *Playback) SetMetadata(md *domain.Metadata) {
	p.md = md
}

// HandleSample routes one repaired sample into its media buffer,
// initializing the buffer on first use.
func (p *Playback) HandleSample(track *domain.Track, kind domain.TrackKind, sample *domain.Sample) error {
	buffer := p.buffer(kind)
	if buffer == nil {
		return nil
	}

	cp := p.protectionFor(track)
	if !buffer.Ready() {
		if err := buffer.Init(p.sink, p.wf, track, cp); err != nil {
			return err
		}
	}
	return buffer.Append(sample, cp)
}

// HandleData forwards a data payload.
func (p *Playback) HandleData(trackID uint32, t uint64, payload []byte) {
	if p.OnData != nil {
		p.OnData(trackID, t, payload)
	}
}

func (p *Playback) buffer(kind domain.TrackKind) *MediaBuffer {
	switch kind {
	case domain.KindAudio:
		return p.audio
	case domain.KindVideo:
		return p.video
	default:
		return nil
	}
}

func (p *Playback) protectionFor(track *domain.Track) *domain.ProtectionEntry {
	if track == nil || track.ContentProtection == "" || p.md == nil {
		return nil
	}
	return p.md.ContentProtection[track.ContentProtection]
}

// Buffered intersects the active buffers: the range both kinds can play.
func (p *Playback) Buffered() (start, end float64, ok bool) {
	any := false
	for _, b := range []*MediaBuffer{p.audio, p.video} {
		s, e, has := b.Buffered()
		if !has {
			continue
		}
		if !any {
			start, end = s, e
			any = true
			continue
		}
		if s > start {
			start = s
		}
		if e < end {
			end = e
		}
	}
	return start, end, any
}

// FreeBefore evicts played media to recover buffer quota.
func (p *Playback) FreeBefore(seconds float64) {
	for _, b := range []*MediaBuffer{p.audio, p.video} {
		s, _, ok := b.Buffered()
		if !ok || seconds <= s {
			continue
		}
		if err := b.Remove(s, seconds); err != nil {
			p.log.Warnw("buffer eviction failed", "kind", b.kind.String(), "error", err)
		}
	}
}

// Close releases playback-side state; the sink itself is released by the
// player.
func (p *Playback) Close() {
	p.audio = NewMediaBuffer(domain.KindAudio, p.log)
	p.video = NewMediaBuffer(domain.KindVideo, p.log)
}
