package services

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	"wrts/pkg/logger"
)

// audioHoleTolerance is the largest audio hole that is skipped over during
// timestamp repair; larger holes are kept as real gaps.
const audioHoleTolerance = 7 // ms

// selectCoalesceDelay is the tick within which rapid track assignments
// collapse into one wire request.
const selectCoalesceDelay = 10 * time.Millisecond

// TrackSelection is a user track assignment: nil means automatic (MBR
// active), -1 disables the kind.
type TrackSelection struct {
	Audio *int64
	Video *int64
}

// Source is the shared state of every source variant: track-selection
// state, timestamp repair, first-sample buffering and receive-rate
// measurement. Variants specialize the wire behavior through the apply
// hooks.
type Source struct {
	log       *zap.SugaredLogger
	collector ports.Collector
	demux     ports.DemuxerFactory

	mu          sync.Mutex
	md          *domain.Metadata
	selected    map[domain.TrackKind]int64 // absent = automatic
	requested   map[domain.TrackKind]int64
	effective   map[domain.TrackKind]int64 // absent = not yet known
	currentTime map[domain.TrackKind]uint64
	hasCurrent  map[domain.TrackKind]bool
	firstBuf    *firstBuffer
	reliable    bool

	liveCorrections uint64

	meter    *RateMeter
	stopOnce sync.Once

	selectTimer   *time.Timer
	selectPending bool

	// Variant hooks.
	applyTracks      func(sel TrackSelection)
	applyReliability func(reliable bool)

	// Callbacks.
	OnMetadata      func(md *domain.Metadata)
	OnSample        func(track *domain.Track, kind domain.TrackKind, sample *domain.Sample)
	OnData          func(trackID uint32, time uint64, payload []byte)
	OnAudioSkipping func(ms int64)
	OnVideoSkipping func(ms int64)
	OnStop          func(err error)
}

// NewSource creates the shared base.
func NewSource(demux ports.DemuxerFactory, collector ports.Collector, log *zap.SugaredLogger) *Source {
	if log == nil {
		log = logger.Nop()
	}
	if collector == nil {
		collector = ports.NopCollector{}
	}
	return &Source{
		log:         log,
		collector:   collector,
		demux:       demux,
		selected:    make(map[domain.TrackKind]int64),
		requested:   make(map[domain.TrackKind]int64),
		effective:   make(map[domain.TrackKind]int64),
		currentTime: make(map[domain.TrackKind]uint64),
		hasCurrent:  make(map[domain.TrackKind]bool),
		firstBuf:    newFirstBuffer(),
		meter:       NewRateMeter(),
	}
}

// Base exposes the shared state to the player.
func (s *Source) Base() *Source { return s }

// Metadata returns the current stream metadata, nil before it is known.
func (s *Source) Metadata() *domain.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.md
}

func (s *Source) setMetadata(md *domain.Metadata) {
	s.mu.Lock()
	s.md = md
	s.mu.Unlock()
	if s.OnMetadata != nil {
		s.OnMetadata(md)
	}
}

// Reliable reports whether frame loss is forbidden.
func (s *Source) Reliable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reliable
}

// SetReliable flips frame-skip permission; the variant propagates the wire
// representation.
func (s *Source) SetReliable(reliable bool) {
	s.mu.Lock()
	changed := s.reliable != reliable
	s.reliable = reliable
	hook := s.applyReliability
	s.mu.Unlock()
	if changed && hook != nil {
		hook(reliable)
	}
}

// SetTracks assigns the user track selection. Identical assignments are
// deduplicated; the wire request is deferred to the next tick so rapid
// assignments coalesce.
func (s *Source) SetTracks(sel TrackSelection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changedAudio := s.applySelectionLocked(domain.KindAudio, sel.Audio)
	changedVideo := s.applySelectionLocked(domain.KindVideo, sel.Video)
	if !changedAudio && !changedVideo {
		return
	}

	if s.selectTimer == nil {
		s.selectPending = true
		s.selectTimer = time.AfterFunc(selectCoalesceDelay, s.flushSelection)
	}
}

// applySelectionLocked records one kind's assignment; reports change.
func (s *Source) applySelectionLocked(kind domain.TrackKind, v *int64) bool {
	cur, has := s.selected[kind]
	if v == nil {
		if !has {
			return false
		}
		delete(s.selected, kind)
		return true
	}
	if has && cur == *v {
		return false
	}
	s.selected[kind] = *v
	return true
}

// flushSelection applies the coalesced selection to the wire.
func (s *Source) flushSelection() {
	s.mu.Lock()
	s.selectTimer = nil
	s.selectPending = false
	sel := TrackSelection{}
	if v, ok := s.selected[domain.KindAudio]; ok {
		a := v
		sel.Audio = &a
	}
	if v, ok := s.selected[domain.KindVideo]; ok {
		v := v
		sel.Video = &v
	}
	for kind := range s.selected {
		s.requested[kind] = s.selected[kind]
	}
	hook := s.applyTracks
	s.mu.Unlock()

	if hook != nil {
		hook(sel)
	}

	// A disabled kind never receives samples; synthesize its effective
	// state so first-sample buffering can complete.
	if sel.Audio != nil && *sel.Audio == -1 {
		s.setEffective(domain.KindAudio, -1)
	}
	if sel.Video != nil && *sel.Video == -1 {
		s.setEffective(domain.KindVideo, -1)
	}
}

// SelectedTrack returns the user assignment for a kind; ok is false when
// the kind is automatic.
func (s *Source) SelectedTrack(kind domain.TrackKind) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.selected[kind]
	return v, ok
}

// EffectiveTrack returns the track currently being received for a kind.
func (s *Source) EffectiveTrack(kind domain.TrackKind) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.effective[kind]
	return v, ok
}

// SetEffectiveTracks records the tracks announced by an Init Tracks packet
// (-1 = none) and flushes the first-sample buffer once both are known.
func (s *Source) SetEffectiveTracks(videoID, audioID int32) {
	s.setEffective(domain.KindVideo, int64(videoID))
	s.setEffective(domain.KindAudio, int64(audioID))
}

func (s *Source) setEffective(kind domain.TrackKind, id int64) {
	s.mu.Lock()
	s.effective[kind] = id
	flush := s.effectiveKnownLocked() && !s.firstBuf.empty()
	var buffered []bufferedSample
	if flush {
		buffered = s.firstBuf.drain()
	}
	s.mu.Unlock()

	for i := range buffered {
		b := &buffered[i]
		if !s.trackActive(b.trackID, b.kind) {
			continue
		}
		s.deliver(b.trackID, b.kind, &b.sample)
	}
}

func (s *Source) effectiveKnownLocked() bool {
	_, a := s.effective[domain.KindAudio]
	_, v := s.effective[domain.KindVideo]
	return a && v
}

func (s *Source) trackActive(trackID uint32, kind domain.TrackKind) bool {
	if kind == domain.KindData {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.effective[kind]
	return ok && id >= 0 && uint32(id) == trackID
}

// Ingest accepts one demuxed sample. Before the effective tracks are known
// samples accumulate in the first-sample buffer; afterwards they go through
// timestamp repair and on to the sink.
func (s *Source) Ingest(trackID uint32, kind domain.TrackKind, sample *domain.Sample) {
	s.mu.Lock()
	if !s.effectiveKnownLocked() {
		s.firstBuf.add(trackID, kind, sample)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !s.trackActive(trackID, kind) {
		return
	}
	s.deliver(trackID, kind, sample)
}

// deliver runs timestamp repair, live-clock maintenance and forwards the
// sample.
func (s *Source) deliver(trackID uint32, kind domain.TrackKind, sample *domain.Sample) {
	extendable := false
	if sample.Duration < 0 {
		extendable = true
		sample.Duration = -sample.Duration
	}

	s.fixTimestamp(kind, sample)

	if extendable && kind == domain.KindVideo {
		if cur := s.CurrentTime(); cur > sample.End() {
			gap := int64(cur - sample.End())
			sample.Duration += gap
			s.emitSkip(domain.KindVideo, gap)
		}
	}

	s.mu.Lock()
	s.currentTime[kind] = sample.End()
	s.hasCurrent[kind] = true
	md := s.md
	s.mu.Unlock()

	if sample.IsKeyFrame {
		s.meter.MarkKeyFrame()
	}

	if md != nil {
		if corr := md.EnsureLiveTime(sample.End()); corr > 0 {
			s.mu.Lock()
			s.liveCorrections += corr
			total := s.liveCorrections
			s.mu.Unlock()
			s.log.Infow("live clock behind media, raised",
				"correction_ms", corr, "total_ms", total)
		}
	}

	var track *domain.Track
	if md != nil {
		track = md.TrackByID(trackID)
	}
	if s.OnSample != nil {
		s.OnSample(track, kind, sample)
	}
}

// fixTimestamp repairs the sample time against the per-kind timeline:
// overlaps always collapse; audio holes up to the tolerance and every video
// hole are skipped over (with a skipping event); larger audio holes and
// data holes are preserved.
func (s *Source) fixTimestamp(kind domain.TrackKind, sample *domain.Sample) {
	s.mu.Lock()
	cur := s.currentTime[kind]
	has := s.hasCurrent[kind]
	s.mu.Unlock()

	if !has {
		return
	}
	delta := int64(sample.Time) - int64(cur)

	var fix bool
	switch kind {
	case domain.KindData:
		fix = delta < 0
	case domain.KindAudio:
		fix = delta <= audioHoleTolerance
	case domain.KindVideo:
		fix = true
	}
	if !fix {
		return
	}

	if delta > 0 {
		s.emitSkip(kind, delta)
	}
	sample.Time = cur
	if sample.Duration > 0 {
		d := sample.Duration + delta
		if d < 1 {
			d = 1
		}
		sample.Duration = d
	}
}

func (s *Source) emitSkip(kind domain.TrackKind, ms int64) {
	s.collector.RecordSkip(kind, ms)
	switch kind {
	case domain.KindAudio:
		if s.OnAudioSkipping != nil {
			s.OnAudioSkipping(ms)
		}
	case domain.KindVideo:
		if s.OnVideoSkipping != nil {
			s.OnVideoSkipping(ms)
		}
	}
}

// HandleData forwards a data-track payload.
func (s *Source) HandleData(trackID uint32, t uint64, payload []byte) {
	if s.OnData != nil {
		s.OnData(trackID, t, payload)
	}
}

// CurrentTime is the furthest repaired media time across kinds.
func (s *Source) CurrentTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max uint64
	for _, t := range s.currentTime {
		if t > max {
			max = t
		}
	}
	return max
}

// KindTime returns the per-kind timeline position.
func (s *Source) KindTime(kind domain.TrackKind) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime[kind], s.hasCurrent[kind]
}

// AddBytes feeds the receive-rate meter.
func (s *Source) AddBytes(n int) {
	s.meter.Add(n)
	s.collector.RecordBytesReceived(n)
}

// RecvByteRate is the measured receive rate in bytes per second.
func (s *Source) RecvByteRate() int {
	return s.meter.ByteRate()
}

// finish emits OnStop exactly once.
func (s *Source) finish(err error) {
	s.stopOnce.Do(func() {
		if err != nil {
			s.log.Warnw("source stopped", "error", err)
		}
		if s.OnStop != nil {
			s.OnStop(err)
		}
	})
}

// firstBuffer accumulates samples until the effective tracks are known.
type firstBuffer struct {
	byTrack   map[uint32][]bufferedSample
	startTime uint64
	endTime   uint64
	count     int
}

type bufferedSample struct {
	trackID uint32
	kind    domain.TrackKind
	sample  domain.Sample
}

func newFirstBuffer() *firstBuffer {
	return &firstBuffer{byTrack: make(map[uint32][]bufferedSample)}
}

func (b *firstBuffer) add(trackID uint32, kind domain.TrackKind, sample *domain.Sample) {
	b.byTrack[trackID] = append(b.byTrack[trackID], bufferedSample{trackID, kind, *sample})
	b.count++
	if b.count == 1 || sample.Time < b.startTime {
		b.startTime = sample.Time
	}
	if end := sample.End(); end > b.endTime {
		b.endTime = end
	}
}

func (b *firstBuffer) empty() bool {
	return b.count == 0
}

// drain returns the buffered samples in track-id order and clears the
// buffer.
func (b *firstBuffer) drain() []bufferedSample {
	ids := make([]uint32, 0, len(b.byTrack))
	for id := range b.byTrack {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]bufferedSample, 0, b.count)
	for _, id := range ids {
		out = append(out, b.byTrack[id]...)
	}
	b.byTrack = make(map[uint32][]bufferedSample)
	b.count = 0
	b.startTime = 0
	b.endTime = 0
	return out
}
