package services

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
)

type fakeSink struct {
	mu      sync.Mutex
	buffers map[domain.TrackKind]*fakeBuffer
	cur     float64
	rate    float64
	paused  bool
	seeks   []float64
	events  ports.SinkEvents
}

func newFakeSink() *fakeSink {
	return &fakeSink{buffers: make(map[domain.TrackKind]*fakeBuffer), rate: 1}
}

func (s *fakeSink) OpenBuffer(kind domain.TrackKind, mime string) (ports.SinkBuffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &fakeBuffer{}
	s.buffers[kind] = b
	return b, nil
}

func (s *fakeSink) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *fakeSink) Seek(sec float64) {
	s.mu.Lock()
	s.cur = sec
	s.seeks = append(s.seeks, sec)
	s.mu.Unlock()
}

func (s *fakeSink) PlaybackRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

func (s *fakeSink) SetPlaybackRate(r float64) {
	s.mu.Lock()
	s.rate = r
	s.mu.Unlock()
}

func (s *fakeSink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *fakeSink) Resume() error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Subscribe(events ports.SinkEvents) { s.events = events }
func (s *fakeSink) Release()                          {}

// setRange drives the video buffer range (seconds) and playhead.
func (s *fakeSink) setRange(cur, start, end float64) {
	s.mu.Lock()
	s.cur = cur
	b := s.buffers[domain.KindVideo]
	if b == nil {
		b = &fakeBuffer{}
		s.buffers[domain.KindVideo] = b
	}
	b.start, b.end, b.has = start, end, true
	s.mu.Unlock()
}

type fakeBuffer struct {
	start, end float64
	has        bool
	inits      int
	appends    int
	appendErr  error
}

func (b *fakeBuffer) AppendInit(data []byte) error { b.inits++; return nil }
func (b *fakeBuffer) Append(data []byte) error {
	if b.appendErr != nil {
		return b.appendErr
	}
	b.appends++
	return nil
}
func (b *fakeBuffer) Buffered() (float64, float64, bool) { return b.start, b.end, b.has }
func (b *fakeBuffer) Remove(start, end float64) error    { b.start = end; return nil }

type fakeWriter struct{}

func (fakeWriter) Init(cp *domain.ProtectionEntry) ([]byte, error) { return []byte{1}, nil }
func (fakeWriter) Write(s *domain.Sample, cp *domain.ProtectionEntry) []byte {
	return []byte{2}
}

func fakeWriterFactory(track *domain.Track) (ports.FragmentWriter, error) {
	return fakeWriter{}, nil
}

func newTestPlayer(t *testing.T, cfg PlayerConfig) (*Player, *fakeSink) {
	t.Helper()
	snk := newFakeSink()
	p := NewPlayer(snk, fakeWriterFactory, &ports.StaticEnvironment{}, nil, cfg, nil)
	return p, snk
}

// fill opens the video buffer so BufferAmount has a source.
func fill(t *testing.T, p *Player, snk *fakeSink, cur, start, end float64) {
	t.Helper()
	if _, ok := snk.buffers[domain.KindVideo]; !ok {
		track := &domain.Track{ID: 1, Kind: domain.KindVideo, Codec: "avc1", CodecString: "avc1.42c00d"}
		p.handleSample(track, domain.KindVideo, &domain.Sample{Time: uint64(start * 1000), Duration: 1})
	}
	snk.setRange(cur, start, end)
	snk.events.OnProgress()
}

func TestStateMachine_NoneUntilMiddle(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	assert.Equal(t, domain.StateNone, p.State())
	assert.True(t, p.Buffering())

	fill(t, p, snk, 0, 0, 0.2) // 200 ms < middle 350
	assert.Equal(t, domain.StateNone, p.State())
	assert.True(t, p.Buffering())

	fill(t, p, snk, 0, 0, 0.4) // 400 ms > middle
	assert.Equal(t, domain.StateOK, p.State())
	assert.False(t, p.Buffering())
}

func TestStateMachine_HighAndHysteresis(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	fill(t, p, snk, 0, 0, 0.6) // 600 ms > high
	assert.Equal(t, domain.StateHigh, p.State())

	// From HIGH, staying above middle keeps HIGH.
	fill(t, p, snk, 0.2, 0, 0.6) // 400 ms, > middle
	assert.Equal(t, domain.StateHigh, p.State())

	// Below middle drops to OK.
	fill(t, p, snk, 0.3, 0, 0.6) // 300 ms < middle 350
	assert.Equal(t, domain.StateOK, p.State())

	// Below low drops to LOW.
	fill(t, p, snk, 0.5, 0, 0.6) // 100 ms
	assert.Equal(t, domain.StateLow, p.State())

	// From LOW, above low but below middle stays LOW.
	fill(t, p, snk, 0.3, 0, 0.6) // 300 ms
	assert.Equal(t, domain.StateLow, p.State())

	// Crossing middle recovers to OK.
	fill(t, p, snk, 0.1, 0, 0.6) // 500 ms... above middle, below high
	assert.Equal(t, domain.StateOK, p.State())
}

func TestStateMachine_NonAdjacentTransition(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	fill(t, p, snk, 0, 0, 0.6)
	assert.Equal(t, domain.StateHigh, p.State())

	// Straight to LOW, skipping OK.
	fill(t, p, snk, 0.55, 0, 0.6)
	assert.Equal(t, domain.StateLow, p.State())
}

func TestDynamicPlaybackRate(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	fill(t, p, snk, 0, 0, 0.6)
	assert.Equal(t, rateFast, snk.PlaybackRate())

	fill(t, p, snk, 0.55, 0, 0.6)
	assert.Equal(t, rateSlow, snk.PlaybackRate())

	fill(t, p, snk, 0.3, 0, 0.6) // 300 ms: above low, below middle
	assert.Equal(t, rateSlow, snk.PlaybackRate(), "hysteresis holds LOW")

	fill(t, p, snk, 0.1, 0, 0.6)
	assert.Equal(t, rateNormal, snk.PlaybackRate())
}

func TestDynamicPlaybackRate_SuppressedOnGlitchySink(t *testing.T) {
	snk := newFakeSink()
	env := &ports.StaticEnvironment{NoRateChange: true}
	p := NewPlayer(snk, fakeWriterFactory, env, nil, PlayerConfig{BufferLow: 150, BufferHigh: 550}, nil)

	fill(t, p, snk, 0, 0, 0.6)
	assert.Equal(t, domain.StateHigh, p.State())
	assert.Equal(t, 1.0, snk.PlaybackRate())
}

func TestStallRecovery(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550, IdleTimeout: time.Hour})

	stalls := 0
	p.SubscribeStall(t, func() { stalls++ })

	fill(t, p, snk, 0, 0, 0.4)
	assert.Equal(t, domain.StateOK, p.State())

	// The element starves with almost nothing buffered.
	snk.setRange(0.38, 0, 0.4)
	snk.events.OnWaiting()

	assert.Equal(t, domain.StateLow, p.State())
	assert.True(t, p.Buffering(), "stall restarts buffering")
	assert.True(t, snk.paused)
	assert.Equal(t, 1, stalls)

	snk.events.OnCanPlay()
	assert.False(t, snk.paused)
}

func TestStall_IgnoredWithEnoughBuffer(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	stalls := 0
	p.SubscribeStall(t, func() { stalls++ })

	fill(t, p, snk, 0, 0, 0.4)
	snk.events.OnWaiting() // 400 ms buffered > low
	assert.Equal(t, 0, stalls)
	assert.False(t, snk.paused)
}

func TestGoLive_OnFirstFill(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})
	p.SetReliable(false)

	// Far behind the live edge on first fill.
	fill(t, p, snk, 0, 0, 2.0)

	if assert.NotEmpty(t, snk.seeks) {
		// end - middle: 2.0 - 0.35
		assert.InDelta(t, 1.65, snk.seeks[0], 0.001)
	}
}

func TestGoLive_SkippedWhenReliable(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550, Reliable: true})

	fill(t, p, snk, 0.5, 0, 2.0)
	assert.Empty(t, snk.seeks)
}

func TestGoLive_WhenPlayheadBeforeStart(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550, Reliable: true})

	fill(t, p, snk, 0.1, 0, 0.5) // exits NONE without goLive (reliable)
	snk.seeks = nil

	fill(t, p, snk, 1.0, 5.0, 5.5) // playhead trails the buffered range
	assert.NotEmpty(t, snk.seeks)
}

func TestSubscribeState_MassUnsubscribe(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	states := []domain.BufferState{}
	owner := struct{ name string }{"source"}
	p.SubscribeState(owner, func(s domain.BufferState) { states = append(states, s) })
	p.SubscribeStall(owner, func() {})

	fill(t, p, snk, 0, 0, 0.6)
	assert.Equal(t, []domain.BufferState{domain.StateHigh}, states)

	p.Unsubscribe(owner)
	fill(t, p, snk, 0.55, 0, 0.6)
	assert.Len(t, states, 1, "unsubscribed observer must not fire")
}

func TestRecoverableBufferError_AdvancesPlayhead(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550})

	track := &domain.Track{ID: 1, Kind: domain.KindVideo, Codec: "avc1", CodecString: "avc1.42c00d"}
	p.handleSample(track, domain.KindVideo, &domain.Sample{Time: 0, Duration: 40})

	snk.buffers[domain.KindVideo].appendErr = pkgerrors.NewAppError(pkgerrors.ErrCodeExceedsBufferSize, "quota")
	snk.setRange(3.0, 0, 3.5)
	p.handleSample(track, domain.KindVideo, &domain.Sample{Time: 3500, Duration: 40})

	if assert.NotEmpty(t, snk.seeks) {
		assert.InDelta(t, 13.0, snk.seeks[len(snk.seeks)-1], 0.001)
	}
}

func TestConnectionTimeout_ResetWhileDataFlows(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550, IdleTimeout: 150 * time.Millisecond})

	var mu sync.Mutex
	var stopErr error
	stopped := make(chan struct{})
	p.OnStop = func(err error) {
		mu.Lock()
		stopErr = err
		mu.Unlock()
		close(stopped)
	}

	p.armTimeout(pkgerrors.ErrCodeStartTimeout)

	track := &domain.Track{ID: 1, Kind: domain.KindVideo, Codec: "avc1", CodecString: "avc1.42c00d"}
	// The first sample opens the media source: Connection timeout armed.
	p.handleSample(track, domain.KindVideo, &domain.Sample{Time: 0, Duration: 40})
	p.mu.Lock()
	code := p.timeoutCode
	p.mu.Unlock()
	assert.Equal(t, pkgerrors.ErrCodeConnectionTimeout, code)

	// Trickle samples across several idle windows; the buffer never crosses
	// the middle threshold, but every chunk resets the slot.
	for i := 1; i <= 8; i++ {
		time.Sleep(40 * time.Millisecond)
		snk.setRange(0, 0, 0.1) // 100 ms buffered, below middle
		p.handleSample(track, domain.KindVideo, &domain.Sample{Time: uint64(40 * i), Duration: 40})
	}
	select {
	case <-stopped:
		t.Fatal("connection timeout fired while data was flowing")
	default:
	}

	// Once the flow stops the timeout fires.
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("connection timeout never fired after the flow stopped")
	}

	mu.Lock()
	defer mu.Unlock()
	appErr := pkgerrors.GetAppError(stopErr)
	if assert.NotNil(t, appErr) {
		assert.Equal(t, pkgerrors.ErrCodeConnectionTimeout, appErr.Code)
	}
}

func TestDataTimeout_ResetWhileDataFlows(t *testing.T) {
	p, snk := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550, IdleTimeout: 150 * time.Millisecond})

	var mu sync.Mutex
	var stopErr error
	stopped := make(chan struct{})
	p.OnStop = func(err error) {
		mu.Lock()
		stopErr = err
		mu.Unlock()
		close(stopped)
	}

	track := &domain.Track{ID: 1, Kind: domain.KindVideo, Codec: "avc1", CodecString: "avc1.42c00d"}
	fill(t, p, snk, 0, 0, 0.4)
	assert.Equal(t, domain.StateOK, p.State())

	// The element starves: the Data timeout is armed.
	snk.setRange(0.39, 0, 0.4)
	snk.events.OnWaiting()
	p.mu.Lock()
	code := p.timeoutCode
	p.mu.Unlock()
	assert.Equal(t, pkgerrors.ErrCodeDataTimeout, code)

	// Samples arriving during the stall keep resetting the slot.
	for i := 1; i <= 8; i++ {
		time.Sleep(40 * time.Millisecond)
		p.handleSample(track, domain.KindVideo, &domain.Sample{Time: uint64(400 + 40*i), Duration: 40})
	}
	select {
	case <-stopped:
		t.Fatal("data timeout fired while data was flowing")
	default:
	}

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("data timeout never fired after the flow stopped")
	}

	mu.Lock()
	defer mu.Unlock()
	appErr := pkgerrors.GetAppError(stopErr)
	if assert.NotNil(t, appErr) {
		assert.Equal(t, pkgerrors.ErrCodeDataTimeout, appErr.Code)
	}
}

type blockingSource struct {
	*Source
}

func (b *blockingSource) Open(ctx context.Context, endpoint string, params url.Values, playing Playing) error {
	<-ctx.Done()
	return nil
}

func TestStartTimeout(t *testing.T) {
	p, _ := newTestPlayer(t, PlayerConfig{BufferLow: 150, BufferHigh: 550, IdleTimeout: 30 * time.Millisecond})

	var mu sync.Mutex
	var stopErr error
	stopped := make(chan struct{})
	p.OnStop = func(err error) {
		mu.Lock()
		stopErr = err
		mu.Unlock()
		close(stopped)
	}

	src := &blockingSource{Source: NewSource(nil, nil, nil)}
	p.Start(context.Background(), src, "https://example.com/live/x", url.Values{})

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("start timeout did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	appErr := pkgerrors.GetAppError(stopErr)
	if assert.NotNil(t, appErr) {
		assert.Equal(t, pkgerrors.ErrCodeStartTimeout, appErr.Code)
	}
}
