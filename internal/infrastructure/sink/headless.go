// Package sink provides a headless media sink: a wall-clock driven stand-in
// for the platform media source, used by the CLI and tests.
package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	"wrts/pkg/logger"
)

// Headless consumes CMAF fragments and advances a simulated playhead in
// real time. Optionally dumps segments to a directory.
type Headless struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	buffers map[domain.TrackKind]*headlessBuffer
	cur     float64
	rate    float64
	paused  bool
	waiting bool
	events  ports.SinkEvents

	dumpDir string
	stop    chan struct{}
	once    sync.Once
}

type headlessBuffer struct {
	kind     domain.TrackKind
	parent   *Headless
	start    float64
	end      float64
	has      bool
	segments int
}

// NewHeadless creates the sink. dumpDir, when set, receives the init and
// media segments for offline inspection.
func NewHeadless(dumpDir string, log *zap.SugaredLogger) *Headless {
	if log == nil {
		log = logger.Nop()
	}
	h := &Headless{
		log:     log,
		buffers: make(map[domain.TrackKind]*headlessBuffer),
		rate:    1.0,
		dumpDir: dumpDir,
		stop:    make(chan struct{}),
	}
	go h.clock()
	return h
}

// clock advances the playhead and dispatches time updates.
func (h *Headless) clock() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		var onTimeUpdate, onWaiting func()
		if !h.paused {
			end, ok := h.bufferedEndLocked()
			h.cur += 0.25 * h.rate
			if ok && h.cur >= end {
				h.cur = end
				if !h.waiting {
					h.waiting = true
					onWaiting = h.events.OnWaiting
				}
			}
			onTimeUpdate = h.events.OnTimeUpdate
		}
		h.mu.Unlock()

		if onTimeUpdate != nil {
			onTimeUpdate()
		}
		if onWaiting != nil {
			onWaiting()
		}
	}
}

func (h *Headless) bufferedEndLocked() (float64, bool) {
	var end float64
	ok := false
	for _, b := range h.buffers {
		if !b.has {
			continue
		}
		if !ok || b.end < end {
			end = b.end
		}
		ok = true
	}
	return end, ok
}

// OpenBuffer implements ports.MediaSink.
func (h *Headless) OpenBuffer(kind domain.TrackKind, mimeCodec string) (ports.SinkBuffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log.Infow("buffer opened", "kind", kind.String(), "mime", mimeCodec)
	b := &headlessBuffer{kind: kind, parent: h}
	h.buffers[kind] = b
	return b, nil
}

func (h *Headless) CurrentTime() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}

func (h *Headless) Seek(seconds float64) {
	h.mu.Lock()
	h.cur = seconds
	onSeeked := h.events.OnSeeked
	h.mu.Unlock()
	if onSeeked != nil {
		onSeeked()
	}
}

func (h *Headless) PlaybackRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rate
}

func (h *Headless) SetPlaybackRate(rate float64) {
	h.mu.Lock()
	h.rate = rate
	h.mu.Unlock()
}

func (h *Headless) Pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *Headless) Resume() error {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	return nil
}

func (h *Headless) Subscribe(events ports.SinkEvents) {
	h.mu.Lock()
	h.events = events
	h.mu.Unlock()
}

func (h *Headless) Release() {
	h.once.Do(func() { close(h.stop) })
}

// AppendInit implements ports.SinkBuffer.
func (b *headlessBuffer) AppendInit(data []byte) error {
	return b.parent.dump(fmt.Sprintf("%s-init.mp4", b.kind), data)
}

// Append parses the fragment envelope to track the buffered range and
// signals readiness when playback was starving.
func (b *headlessBuffer) Append(data []byte) error {
	t, dur, err := fragmentWindow(data)
	if err != nil {
		return err
	}

	h := b.parent
	h.mu.Lock()
	start := float64(t) / 1000
	end := float64(t+dur) / 1000
	if !b.has || start < b.start {
		b.start = start
	}
	if end > b.end {
		b.end = end
	}
	b.has = true
	b.segments++
	seq := b.segments

	var onProgress, onCanPlay func()
	onProgress = h.events.OnProgress
	if h.waiting {
		if bufEnd, ok := h.bufferedEndLocked(); ok && bufEnd > h.cur {
			h.waiting = false
			onCanPlay = h.events.OnCanPlay
		}
	}
	h.mu.Unlock()

	if err := h.dump(fmt.Sprintf("%s-%06d.m4s", b.kind, seq), data); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress()
	}
	if onCanPlay != nil {
		onCanPlay()
	}
	return nil
}

func (b *headlessBuffer) Buffered() (float64, float64, bool) {
	h := b.parent
	h.mu.Lock()
	defer h.mu.Unlock()
	return b.start, b.end, b.has
}

func (b *headlessBuffer) Remove(start, end float64) error {
	h := b.parent
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.has && end > b.start {
		b.start = end
	}
	return nil
}

func (h *Headless) dump(name string, data []byte) error {
	if h.dumpDir == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(h.dumpDir, name), data, 0o644)
}

// fragmentWindow extracts the decode time (tfdt) and duration (trun) of a
// single-sample fragment, in milliseconds.
func fragmentWindow(frag []byte) (uint64, uint64, error) {
	traf := walk(walk(frag, "moof"), "traf")
	if traf == nil {
		return 0, 0, fmt.Errorf("fragment without traf")
	}
	tfdt := walk(traf, "tfdt")
	trun := walk(traf, "trun")
	if tfdt == nil || trun == nil || len(tfdt) < 12 || len(trun) < 16 {
		return 0, 0, fmt.Errorf("fragment without tfdt/trun")
	}
	t := binary.BigEndian.Uint64(tfdt[4:])
	dur := uint64(binary.BigEndian.Uint32(trun[12:]))
	return t, dur, nil
}

// walk finds the payload of the first direct child box of the given type.
func walk(data []byte, typ string) []byte {
	for pos := 0; pos+8 <= len(data); {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		if size < 8 || pos+size > len(data) {
			return nil
		}
		if string(data[pos+4:pos+8]) == typ {
			return data[pos+8 : pos+size]
		}
		pos += size
	}
	return nil
}
