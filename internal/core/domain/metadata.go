package domain

import (
	"sort"
	"sync"
	"time"

	"wrts/pkg/utils"
)

// ProtectionEntry describes one content-protection scheme of the stream.
type ProtectionEntry struct {
	Scheme string            // cenc | cbc1 | cens | cbcs
	KID    string            // hex32
	IV     string            // hex32
	PSSH   map[string]string // drm system id -> base64 pssh box
}

// Metadata is the normalized stream description: tracks sorted by bandwidth,
// content-protection entries and the live-clock anchor.
//
// The live time is a monotonic, wall-advancing estimate: reading it returns
// the anchored value plus the wall time elapsed since anchoring.
type Metadata struct {
	mu        sync.Mutex
	liveValue uint64
	liveWall  time.Time

	Tracks            map[uint32]*Track
	AudioTracks       []*Track
	VideoTracks       []*Track
	DataTracks        []*Track
	ContentProtection map[string]*ProtectionEntry
}

// NewMetadata returns an empty metadata set.
func NewMetadata() *Metadata {
	return &Metadata{
		Tracks:            make(map[uint32]*Track),
		ContentProtection: make(map[string]*ProtectionEntry),
	}
}

// LiveTime returns the current live-edge estimate in stream milliseconds,
// zero before any anchor is set.
func (m *Metadata) LiveTime() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveWall.IsZero() {
		return 0
	}
	return m.liveValue + uint64(utils.Since(m.liveWall).Milliseconds())
}

// SetLiveTime anchors the live clock at value now.
func (m *Metadata) SetLiveTime(value uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveValue = value
	m.liveWall = utils.Now()
}

// AdvanceLiveTime shifts the anchor forward by delta ms (e.g. half the
// measured manifest RTT).
func (m *Metadata) AdvanceLiveTime(delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveValue += delta
}

// EnsureLiveTime raises the anchor so that LiveTime() >= floor and returns
// the applied upward correction (0 when already satisfied).
func (m *Metadata) EnsureLiveTime(floor uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current uint64
	if !m.liveWall.IsZero() {
		current = m.liveValue + uint64(utils.Since(m.liveWall).Milliseconds())
	}
	if current >= floor {
		return 0
	}
	m.liveValue = floor
	m.liveWall = utils.Now()
	return floor - current
}

// RewindLiveTime lowers the anchor by delta ms; used when a skip probe
// proves the trusted live time too optimistic.
func (m *Metadata) RewindLiveTime(delta uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveValue < delta {
		m.liveValue = 0
		return
	}
	m.liveValue -= delta
}

// Fix normalizes the track set: collects all tracks, stable-sorts by
// descending bandwidth, rebuilds the per-kind slices and relinks the
// Up/Down chains (head = highest bandwidth). Duplicate IDs keep the first
// occurrence.
func (m *Metadata) Fix() {
	seen := make(map[uint32]bool)
	var all []*Track

	collect := func(t *Track) {
		if t == nil || seen[t.ID] {
			return
		}
		seen[t.ID] = true
		all = append(all, t)
	}
	for _, t := range m.AudioTracks {
		collect(t)
	}
	for _, t := range m.VideoTracks {
		collect(t)
	}
	for _, t := range m.DataTracks {
		collect(t)
	}
	// Map entries not present in the slices, in ID order for determinism.
	ids := make([]uint32, 0, len(m.Tracks))
	for id := range m.Tracks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		collect(m.Tracks[id])
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].Bandwidth > all[j].Bandwidth })

	m.Tracks = make(map[uint32]*Track, len(all))
	m.AudioTracks = nil
	m.VideoTracks = nil
	m.DataTracks = nil

	for _, t := range all {
		m.Tracks[t.ID] = t
		t.Up = nil
		t.Down = nil
		switch t.Kind {
		case KindAudio:
			m.AudioTracks = append(m.AudioTracks, t)
		case KindVideo:
			m.VideoTracks = append(m.VideoTracks, t)
		case KindData:
			m.DataTracks = append(m.DataTracks, t)
		}
	}

	link(m.AudioTracks)
	link(m.VideoTracks)
	link(m.DataTracks)
}

func link(tracks []*Track) {
	for i := 1; i < len(tracks); i++ {
		tracks[i].Up = tracks[i-1]
		tracks[i-1].Down = tracks[i]
	}
}

// TrackByID returns the track or nil.
func (m *Metadata) TrackByID(id uint32) *Track {
	return m.Tracks[id]
}

// FirstOfKind returns the highest-bandwidth track of a kind, nil if none.
func (m *Metadata) FirstOfKind(kind TrackKind) *Track {
	switch kind {
	case KindAudio:
		if len(m.AudioTracks) > 0 {
			return m.AudioTracks[0]
		}
	case KindVideo:
		if len(m.VideoTracks) > 0 {
			return m.VideoTracks[0]
		}
	case KindData:
		if len(m.DataTracks) > 0 {
			return m.DataTracks[0]
		}
	}
	return nil
}
