package services

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	"wrts/internal/infrastructure/rts"
	"wrts/pkg/utils"
)

// --- wire helpers -----------------------------------------------------

func appendVarint(p []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(p, tmp[:n]...)
}

// sizedPacket prefixes a packet body with its 8-bit header length.
func sizedPacket(header, payload []byte) []byte {
	out := []byte{byte(len(header))}
	out = append(out, header...)
	return append(out, payload...)
}

func wireInitTracks(videoID, audioID int32) []byte {
	var h []byte
	h = appendVarint(h, 3) // control track, init type
	h = appendVarint(h, uint64(videoID+1))
	h = appendVarint(h, uint64(audioID+1))
	return sizedPacket(h, nil)
}

func wireMedia(trackID int32, typ int, withTime bool, t, duration uint64, isKey bool, payload []byte) []byte {
	var h []byte
	h = appendVarint(h, uint64(trackID+1)<<2|uint64(typ))
	if withTime {
		h = appendVarint(h, t)
	}
	value := duration << 2
	if isKey {
		value |= 1
	}
	h = appendVarint(h, value)
	h = appendVarint(h, uint64(len(payload)))
	return sizedPacket(h, payload)
}

// sequenceBody builds an RTS stream for one sequence: init tracks plus two
// media samples covering [base, base+1000).
func sequenceBody(videoID, audioID int32, mediaTrack int32, typ int, base uint64) []byte {
	var b []byte
	b = append(b, wireInitTracks(videoID, audioID)...)
	b = append(b, wireMedia(mediaTrack, typ, true, base, 500, true, []byte{1, 2, 3, 4})...)
	b = append(b, wireMedia(mediaTrack, typ, false, 0, 500, false, []byte{5, 6})...)
	return b
}

// --- fakes ------------------------------------------------------------

type recordedRequest struct {
	Method string
	URL    string
	Range  string
}

// scriptedTransport serves requests from a route table and records them.
type scriptedTransport struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   func(req *ports.Request) *ports.Response
	onServe  func(req *ports.Request) // e.g. advance the mock clock
}

func (t *scriptedTransport) Do(ctx context.Context, req *ports.Request) (*ports.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.requests = append(t.requests, recordedRequest{
		Method: req.Method,
		URL:    req.URL,
		Range:  req.Header.Get("Range"),
	})
	t.mu.Unlock()

	if t.onServe != nil {
		t.onServe(req)
	}
	resp := t.routes(req)
	if resp == nil {
		return &ports.Response{Status: http.StatusNotFound, Header: http.Header{},
			Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}
	return resp, nil
}

func (t *scriptedTransport) recorded() []recordedRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]recordedRequest(nil), t.requests...)
}

func (t *scriptedTransport) countMatching(method, substr string) int {
	n := 0
	for _, r := range t.recorded() {
		if r.Method == method && strings.Contains(r.URL, substr) {
			n++
		}
	}
	return n
}

func body(data []byte, headers map[string]string) *ports.Response {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &ports.Response{Status: http.StatusOK, Header: h, Body: io.NopCloser(bytes.NewReader(data))}
}

// fakePlaying is a controllable playing surface.
type fakePlaying struct {
	mu        sync.Mutex
	state     domain.BufferState
	buffering bool
	amount    int64
	current   uint64
	stateSubs map[interface{}]func(domain.BufferState)
	stallSubs map[interface{}]func()
}

func newFakePlaying() *fakePlaying {
	return &fakePlaying{
		state:     domain.StateOK,
		stateSubs: make(map[interface{}]func(domain.BufferState)),
		stallSubs: make(map[interface{}]func()),
	}
}

func (f *fakePlaying) State() domain.BufferState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakePlaying) Buffering() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffering
}
func (f *fakePlaying) BufferAmount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.amount
}
func (f *fakePlaying) CurrentTimeMillis() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}
func (f *fakePlaying) PlaybackRate() float64 { return 1 }
func (f *fakePlaying) SubscribeState(owner interface{}, fn func(domain.BufferState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateSubs[owner] = fn
}
func (f *fakePlaying) SubscribeStall(owner interface{}, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stallSubs[owner] = fn
}
func (f *fakePlaying) Unsubscribe(owner interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stateSubs, owner)
	delete(f.stallSubs, owner)
}

func (f *fakePlaying) set(state domain.BufferState, buffering bool) {
	f.mu.Lock()
	f.state = state
	f.buffering = buffering
	f.mu.Unlock()
}

func (f *fakePlaying) stall() {
	f.mu.Lock()
	subs := make([]func(), 0, len(f.stallSubs))
	for _, fn := range f.stallSubs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// safeClock is a mutex-guarded mock clock for utils.Now.
type safeClock struct {
	mu  sync.Mutex
	now time.Time
}

func installClock(t *testing.T) *safeClock {
	t.Helper()
	c := &safeClock{now: time.UnixMilli(50_000_000)}
	old := utils.Now
	utils.Now = c.Now
	t.Cleanup(func() { utils.Now = old })
	return c
}

func (c *safeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *safeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- harness ----------------------------------------------------------

const testManifest = `{
	"liveTime": 100000,
	"tracks": [
		{"id": 1, "type": "video", "codec": "avc1.64001f", "bandwidth": 800000,
		 "frameRate": 30, "resolution": {"width": 1280, "height": 720}},
		{"id": 2, "type": "video", "codec": "avc1.42c00d", "bandwidth": 400000,
		 "frameRate": 30, "resolution": {"width": 640, "height": 360}},
		{"id": 3, "type": "audio", "codec": "mp4a.40.2", "bandwidth": 64000,
		 "sampleRate": 48000, "channels": 2}
	],
	"sequence": {"pattern": "s/{trackId}/{sequenceId}.{ext}", "currentId": 100}
}`

const singleRenditionManifest = `{
	"liveTime": 100000,
	"tracks": [
		{"id": 1, "type": "video", "codec": "avc1.42c00d", "bandwidth": 200000,
		 "frameRate": 30, "resolution": {"width": 640, "height": 360}},
		{"id": 3, "type": "audio", "codec": "mp4a.40.2", "bandwidth": 64000,
		 "sampleRate": 48000, "channels": 2}
	],
	"sequence": {"pattern": "s/{trackId}/{sequenceId}.{ext}", "currentId": 100}
}`

// seqPath parses "/s/<track>/<seq>.rts" out of a URL.
func seqPath(rawURL string) (track, seq int64, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, 0, false
	}
	var rest string
	if i := strings.Index(u.Path, "/s/"); i >= 0 {
		rest = strings.TrimSuffix(u.Path[i+3:], ".rts")
	} else {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(rest, "%d/%d", &track, &seq); err != nil {
		return 0, 0, false
	}
	return track, seq, true
}

func newAdaptiveHarness(t *testing.T, manifest string, routes func(req *ports.Request) *ports.Response) (*HTTPAdaptiveSource, *scriptedTransport, *fakePlaying) {
	t.Helper()
	tr := &scriptedTransport{}
	tr.routes = func(req *ports.Request) *ports.Response {
		if strings.Contains(req.URL, "index.json") {
			return body([]byte(manifest), nil)
		}
		return routes(req)
	}

	env := &ports.StaticEnvironment{Max: domain.Resolution{Width: 3840, Height: 2160}}
	src := NewHTTPAdaptiveSource(tr, env, rts.Factory(nil), nil, HTTPAdaptiveConfig{MediaExt: "rts"}, nil)
	return src, tr, newFakePlaying()
}

func waitCond(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// --- scenarios --------------------------------------------------------

// Startup under a 600 kB/s measured rate picks the 400 kB/s rendition;
// after successful cycles and an up probe the controller switches to the
// 800 kB/s rendition.
func TestAdaptive_StartupFitAndUpSwitch(t *testing.T) {
	clock := installClock(t)

	routes := func(req *ports.Request) *ports.Response {
		track, seq, ok := seqPath(req.URL)
		if !ok {
			return nil
		}
		headers := map[string]string{"max-sequence-duration": "1000"}
		base := uint64(seq) * 1000
		switch track {
		case 3:
			return body(sequenceBody(2, 3, 3, 1, base), headers)
		default:
			if req.Header.Get("Range") != "" {
				// Up probe: raw bytes, discarded by the client.
				return body(bytes.Repeat([]byte{0}, 128), headers)
			}
			return body(sequenceBody(int32(track), 3, int32(track), 2, base), headers)
		}
	}

	src, tr, playing := newAdaptiveHarness(t, testManifest, routes)
	tr.onServe = func(req *ports.Request) {
		if _, _, ok := seqPath(req.URL); ok {
			clock.Advance(2 * time.Second) // matures the up-probe gate
		}
	}

	// Simulated pre-measured receive rate of 600 kB/s.
	src.AddBytes(600_000)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Open(ctx, "https://edge.example.com/live/stream", url.Values{}, playing)

	// The controller must reach the 800k rendition through an up probe.
	ok := waitCond(t, 3*time.Second, func() bool {
		return tr.countMatching(http.MethodGet, "/s/1/") > 1
	})
	cancel()
	require.True(t, ok, "controller never switched up; requests: %v", tr.recorded())

	reqs := tr.recorded()

	// First sequence request used the 400k rendition (track 2), not 800k.
	var firstVideo recordedRequest
	for _, r := range reqs {
		track, _, ok := seqPath(r.URL)
		if ok && r.Method == http.MethodGet && track != 3 {
			firstVideo = r
			break
		}
	}
	track, seq, _ := seqPath(firstVideo.URL)
	assert.Equal(t, int64(2), track, "startup fit must pick the 400k rendition")
	assert.Equal(t, int64(100), seq)

	// The up switch was gated by a ranged ghost request on track 1.
	probed := false
	for _, r := range reqs {
		if tk, _, ok := seqPath(r.URL); ok && tk == 1 && r.Range != "" {
			probed = true
			break
		}
	}
	assert.True(t, probed, "up switch must be preceded by a range probe")
}

// A stall under unreliable mode aborts the in-flight tokens and the next
// iteration downshifts.
func TestAdaptive_StallAbortsAndDownshifts(t *testing.T) {
	installClock(t)

	inFlight := make(chan struct{}, 4)
	release := make(chan struct{})
	var once sync.Once

	routes := func(req *ports.Request) *ports.Response {
		track, seq, ok := seqPath(req.URL)
		if !ok {
			return nil
		}
		headers := map[string]string{"max-sequence-duration": "1000"}
		base := uint64(seq) * 1000
		if seq == 100 {
			// The first iteration blocks until the stall aborts it.
			inFlight <- struct{}{}
			return &ports.Response{Status: http.StatusOK, Header: http.Header{},
				Body: &blockingBody{release: release}}
		}
		if track == 3 {
			return body(sequenceBody(2, 3, 3, 1, base), headers)
		}
		return body(sequenceBody(int32(track), 3, int32(track), 2, base), headers)
	}

	src, tr, playing := newAdaptiveHarness(t, testManifest, routes)
	src.SetReliable(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Open(ctx, "https://edge.example.com/live/stream", url.Values{}, playing)

	// Both sequence requests of iteration one are in flight.
	for i := 0; i < 2; i++ {
		select {
		case <-inFlight:
		case <-time.After(2 * time.Second):
			t.Fatal("sequence requests never started")
		}
	}

	playing.set(domain.StateLow, true)
	playing.stall()
	once.Do(func() { close(release) })

	// The loop keeps running: iteration two requests a sequence beyond 100
	// (the abort is a loop decision, not a failure).
	ok := waitCond(t, 2*time.Second, func() bool {
		for _, r := range tr.recorded() {
			_, seq, ok := seqPath(r.URL)
			if ok && seq > 100 {
				return true
			}
		}
		return false
	})
	// The stall steps video down from the top rendition to track 2.
	downshifted := waitCond(t, 2*time.Second, func() bool {
		return tr.countMatching(http.MethodGet, "/s/2/") > 0
	})
	cancel()
	require.True(t, ok, "loop must continue after the stall abort")
	assert.True(t, downshifted, "the iteration after the stall must step video down to track 2")
}

type blockingBody struct {
	release <-chan struct{}
	done    bool
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}
	<-b.release
	b.done = true
	return 0, io.EOF
}

func (b *blockingBody) Close() error { return nil }

// Starving playback skips ahead: with maxSequenceDuration=1000 and a 2500
// ms delay, the controller HEAD-probes n+2 and never requests n, n+1.
func TestAdaptive_SequenceSkip(t *testing.T) {
	installClock(t)

	routes := func(req *ports.Request) *ports.Response {
		track, seq, ok := seqPath(req.URL)
		if !ok {
			return nil
		}
		headers := map[string]string{"max-sequence-duration": "1000"}
		base := uint64(seq) * 1000
		if req.Method == http.MethodHead {
			return &ports.Response{Status: http.StatusOK,
				Header: headerOf(headers), Body: nil}
		}
		if track == 3 {
			return body(sequenceBody(2, 3, 3, 1, base), headers)
		}
		return body(sequenceBody(int32(track), 3, int32(track), 2, base), headers)
	}

	src, tr, playing := newAdaptiveHarness(t, testManifest, routes)
	src.SetReliable(false)
	src.playing = playing

	md, _, err := domain.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	src.setMetadata(md)
	src.baseURL, _ = url.Parse("https://edge.example.com/live/stream/index.json")
	src.pattern = "s/{trackId}/{sequenceId}.{ext}"
	src.chooseInitialTracks()
	src.noteSequenceHeaders(headerOf(map[string]string{"max-sequence-duration": "1000"}))

	// Sequence 100 has landed: ingest position 101000.
	src.SetEffectiveTracks(2, 3)
	src.Ingest(2, domain.KindVideo, &domain.Sample{Time: 100500, Duration: 500})
	require.Equal(t, uint64(101000), src.CurrentTime())

	// Starve: LOW, buffering, live edge 2500 ms ahead of ingest.
	playing.set(domain.StateLow, true)
	md.SetLiveTime(103500)

	prev := int64(1 << 60)
	n := src.maybeSkip(context.Background(), 101, &prev)
	assert.Equal(t, int64(103), n, "skip lands on n + floor(delay/maxSequenceDuration)")
	assert.Greater(t, tr.countMatching(http.MethodHead, "/103.rts"), 0,
		"the skip must be probed with a HEAD first")

	advanced, err := src.download(context.Background(), n, url.Values{})
	require.NoError(t, err)
	assert.True(t, advanced)

	assert.Greater(t, tr.countMatching(http.MethodGet, "/103.rts"), 0)
	assert.Equal(t, 0, tr.countMatching(http.MethodGet, "/101.rts"),
		"skipped sequences must never be fetched")
	assert.Equal(t, 0, tr.countMatching(http.MethodGet, "/102.rts"),
		"skipped sequences must never be fetched")
}

// The bottom rendition under congestion fetches only the first frame per
// sequence and stretches it over the window.
func TestAdaptive_LastChanceRendition(t *testing.T) {
	installClock(t)

	routes := func(req *ports.Request) *ports.Response {
		track, seq, ok := seqPath(req.URL)
		if !ok {
			return nil
		}
		headers := map[string]string{
			"max-sequence-duration": "1000",
			"first-frame-length":    "1234",
		}
		base := uint64(seq) * 1000
		if req.Method == http.MethodHead {
			return &ports.Response{Status: http.StatusOK, Header: headerOf(headers), Body: nil}
		}
		if track == 3 {
			return body(sequenceBody(1, 3, 3, 1, base), headers)
		}
		if req.Header.Get("Range") != "" {
			// Only the first (key) frame of the sequence.
			var b []byte
			b = append(b, wireInitTracks(1, 3)...)
			b = append(b, wireMedia(1, 2, true, base, 40, true, []byte{9})...)
			return body(b, headers)
		}
		return body(sequenceBody(1, 3, 1, 2, base), headers)
	}

	src, tr, playing := newAdaptiveHarness(t, singleRenditionManifest, routes)
	src.SetReliable(false)

	var skipsMu sync.Mutex
	var videoSkips []int64
	src.OnVideoSkipping = func(ms int64) {
		skipsMu.Lock()
		videoSkips = append(videoSkips, ms)
		skipsMu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Open(ctx, "https://edge.example.com/live/stream", url.Values{}, playing)

	// Let the first sequence land normally (maxSequenceDuration learned).
	require.True(t, waitCond(t, 2*time.Second, func() bool {
		return src.CurrentTime() >= 101000
	}))

	// Congested: LOW, not buffering, bottom rendition.
	playing.set(domain.StateLow, false)

	require.True(t, waitCond(t, 2*time.Second, func() bool {
		for _, r := range tr.recorded() {
			if r.Method == http.MethodGet && r.Range == "bytes=0-1233" {
				return true
			}
		}
		return false
	}), "last chance must fetch exactly the advertised first frame; got %v", tr.recorded())

	// The stretched frame raises the video timeline by a full window.
	require.True(t, waitCond(t, 2*time.Second, func() bool {
		skipsMu.Lock()
		defer skipsMu.Unlock()
		for _, ms := range videoSkips {
			if ms == 960 {
				return true
			}
		}
		return false
	}), "stretch of 1000-40 ms must be reported as video skipping")
	cancel()
}

// The sequence-skip decision refuses to act while maxSequenceDuration is
// unknown.
func TestAdaptive_SkipRefusedWithoutSequenceDuration(t *testing.T) {
	installClock(t)

	src, _, playing := newAdaptiveHarness(t, testManifest, func(req *ports.Request) *ports.Response {
		return nil
	})
	src.SetReliable(false)
	src.playing = playing
	playing.set(domain.StateLow, true)

	md, _, err := domain.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	src.setMetadata(md)
	src.chooseInitialTracks()
	md.SetLiveTime(999999)

	prev := int64(1 << 60)
	got := src.maybeSkip(context.Background(), 100, &prev)
	assert.Equal(t, int64(100), got, "no skip while maxSequenceDuration is unknown")
}

func headerOf(m map[string]string) http.Header {
	h := http.Header{}
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}
