package services

import (
	"context"
	"math"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
	"wrts/pkg/logger"
)

// Default buffer thresholds and idle timeout.
const (
	DefaultBufferLow   = 150 // ms
	DefaultBufferHigh  = 550 // ms
	DefaultIdleTimeout = 14 * time.Second
)

// Playback rates of the dynamic drain control.
const (
	rateFast   = 1.08
	rateSlow   = 0.92
	rateNormal = 1.0
)

// recoverySkip is how far the playhead advances to recover from a full
// buffer.
const recoverySkip = 10.0 // seconds

// MediaSource is one source variant driven by the player.
type MediaSource interface {
	Open(ctx context.Context, endpoint string, params url.Values, playing Playing) error
	SetTracks(sel TrackSelection)
	SetReliable(reliable bool)
	Base() *Source
}

// PlayerConfig tunes the player.
type PlayerConfig struct {
	BufferLow   int64 // ms
	BufferHigh  int64 // ms
	IdleTimeout time.Duration
	Reliable    bool
}

// Player orchestrates one source, one playback and the media sink: it owns
// the buffer state machine, the start/stop lifecycle, the shared timeout
// slot and user events.
type Player struct {
	log       *zap.SugaredLogger
	collector ports.Collector
	env       ports.Environment
	sink      ports.MediaSink
	playback  *Playback

	mu        sync.Mutex
	low       int64
	high      int64
	middle    int64
	idle      time.Duration
	state     domain.BufferState
	buffering bool
	reliable  bool
	paused    bool

	stateSubs map[interface{}]func(domain.BufferState)
	stallSubs map[interface{}]func()

	timeout     *time.Timer
	timeoutCode pkgerrors.ErrorCode

	source MediaSource
	cancel context.CancelFunc

	stopOnce sync.Once

	// Callbacks.
	OnStart func()
	OnStop  func(err error)
	OnData  func(trackID uint32, time uint64, payload []byte)
}

// NewPlayer builds a player on a sink.
func NewPlayer(sink ports.MediaSink, wf ports.FragmentWriterFactory, env ports.Environment,
	collector ports.Collector, cfg PlayerConfig, log *zap.SugaredLogger) *Player {

	if log == nil {
		log = logger.Nop()
	}
	if collector == nil {
		collector = ports.NopCollector{}
	}
	if cfg.BufferLow <= 0 {
		cfg.BufferLow = DefaultBufferLow
	}
	if cfg.BufferHigh <= cfg.BufferLow {
		cfg.BufferHigh = DefaultBufferHigh
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	p := &Player{
		log:       log,
		collector: collector,
		env:       env,
		sink:      sink,
		playback:  NewPlayback(sink, wf, log),
		low:       cfg.BufferLow,
		high:      cfg.BufferHigh,
		idle:      cfg.IdleTimeout,
		state:     domain.StateNone,
		buffering: true,
		reliable:  cfg.Reliable,
		stateSubs: make(map[interface{}]func(domain.BufferState)),
		stallSubs: make(map[interface{}]func()),
	}
	p.middle = p.low + (p.high-p.low)/2
	p.playback.OnData = func(trackID uint32, t uint64, payload []byte) {
		if p.OnData != nil {
			p.OnData(trackID, t, payload)
		}
	}

	sink.Subscribe(ports.SinkEvents{
		OnTimeUpdate: p.evaluate,
		OnProgress:   p.evaluate,
		OnWaiting:    p.handleWaiting,
		OnCanPlay:    p.handleCanPlay,
		OnSeeked:     p.handleSeeked,
		OnError: func(err error) {
			p.stop(pkgerrors.WrapError(err, pkgerrors.ErrCodePlayback, "media element"))
		},
	})
	return p
}

// SetBufferLow updates the low threshold; the middle threshold follows.
func (p *Player) SetBufferLow(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.low = ms
	p.middle = p.low + (p.high-p.low)/2
}

// SetBufferHigh updates the high threshold; the middle threshold follows.
func (p *Player) SetBufferHigh(ms int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.high = ms
	p.middle = p.low + (p.high-p.low)/2
}

// MiddleThreshold returns the maintained middle threshold in ms.
func (p *Player) MiddleThreshold() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.middle
}

// Reliable reports the frame-skip permission.
func (p *Player) Reliable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reliable
}

// SetReliable flips frame-skip permission, propagating to the source.
func (p *Player) SetReliable(reliable bool) {
	p.mu.Lock()
	p.reliable = reliable
	src := p.source
	p.mu.Unlock()
	if src != nil {
		src.SetReliable(reliable)
	}
}

// SetTracks forwards a user track selection to the source.
func (p *Player) SetTracks(sel TrackSelection) {
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src != nil {
		src.SetTracks(sel)
	}
}

// Start opens the source and begins the session. It returns immediately;
// the session ends with a single OnStop.
func (p *Player) Start(ctx context.Context, src MediaSource, endpoint string, params url.Values) {
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.source = src
	p.cancel = cancel
	p.mu.Unlock()

	base := src.Base()
	base.OnMetadata = p.handleMetadata
	base.OnSample = p.handleSample
	base.OnData = p.playback.HandleData
	base.OnAudioSkipping = func(ms int64) {
		p.log.Debugw("audio skipping", "ms", ms)
	}
	base.OnVideoSkipping = func(ms int64) {
		p.log.Debugw("video skipping", "ms", ms)
	}
	base.OnStop = func(err error) {
		p.stop(err)
	}

	src.SetReliable(p.Reliable())
	p.armTimeout(pkgerrors.ErrCodeStartTimeout)

	if p.OnStart != nil {
		p.OnStart()
	}

	go func() {
		err := src.Open(ctx, endpoint, params, p)
		p.stop(err)
	}()
}

// Stop ends the session without an error.
func (p *Player) Stop() {
	p.stop(nil)
}

// stop runs the closing sequence exactly once: source, playback, sink.
func (p *Player) stop(err error) {
	p.stopOnce.Do(func() {
		p.clearTimeout()

		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		p.playback.Close()
		p.sink.Release()

		if err != nil {
			p.log.Warnw("player stopped", "error", err)
		} else {
			p.log.Infow("player stopped")
		}
		if p.OnStop != nil {
			p.OnStop(err)
		}
	})
}

func (p *Player) handleMetadata(md *domain.Metadata) {
	p.playback.SetMetadata(md)
}

// handleSample forwards one repaired sample into playback, driving the
// timeout slot and recoverable-error handling.
func (p *Player) handleSample(track *domain.Track, kind domain.TrackKind, sample *domain.Sample) {
	p.touchTimeout()

	wasFirst := !p.playback.buffer(kind).Ready()
	err := p.playback.HandleSample(track, kind, sample)
	if err == nil {
		if wasFirst {
			// The media source is open once a buffer exists.
			p.mu.Lock()
			starting := p.timeoutCode == pkgerrors.ErrCodeStartTimeout
			p.mu.Unlock()
			if starting {
				p.armTimeout(pkgerrors.ErrCodeConnectionTimeout)
			}
		}
		p.evaluate()
		return
	}

	if pkgerrors.IsRecoverable(err) {
		// A full buffer recovers by freeing space: advance the playhead
		// or resume consumption.
		p.log.Warnw("buffer full, recovering", "error", err)
		p.mu.Lock()
		paused := p.paused
		p.paused = false
		p.mu.Unlock()
		if paused {
			if rerr := p.sink.Resume(); rerr != nil {
				p.stop(pkgerrors.WrapError(rerr, pkgerrors.ErrCodePlayback, "resume"))
			}
			return
		}
		pos := p.sink.CurrentTime() + recoverySkip
		p.playback.FreeBefore(pos)
		p.sink.Seek(pos)
		return
	}

	p.stop(err)
}

// BufferAmount is the buffered media ahead of the playhead in ms.
func (p *Player) BufferAmount() int64 {
	start, end, ok := p.playback.Buffered()
	if !ok {
		return 0
	}
	cur := p.sink.CurrentTime()
	if start > cur {
		cur = start
	}
	amount := int64(math.Round((end - cur) * 1000))
	if amount < 0 {
		return 0
	}
	return amount
}

// State returns the buffer state.
func (p *Player) State() domain.BufferState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Buffering reports whether the player is filling towards the middle
// threshold.
func (p *Player) Buffering() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffering
}

// CurrentTimeMillis is the playhead position in stream milliseconds.
func (p *Player) CurrentTimeMillis() uint64 {
	cur := p.sink.CurrentTime()
	if cur <= 0 {
		return 0
	}
	return uint64(cur * 1000)
}

// PlaybackRate is the sink rendering rate.
func (p *Player) PlaybackRate() float64 {
	return p.sink.PlaybackRate()
}

// SubscribeState registers a buffer-state observer keyed by owner.
func (p *Player) SubscribeState(owner interface{}, fn func(domain.BufferState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateSubs[owner] = fn
}

// SubscribeStall registers a stall observer keyed by owner.
func (p *Player) SubscribeStall(owner interface{}, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stallSubs[owner] = fn
}

// Unsubscribe removes every observer of an owner.
func (p *Player) Unsubscribe(owner interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.stateSubs, owner)
	delete(p.stallSubs, owner)
}

// evaluate reruns the buffer state machine against the current buffer
// amount. Called on every progress and time update.
func (p *Player) evaluate() {
	amount := p.BufferAmount()
	p.collector.RecordBufferLevel(amount)

	p.mu.Lock()
	old := p.state
	low, high, middle := p.low, p.high, p.middle
	buffering := p.buffering

	next := old
	switch {
	case amount > high:
		next = domain.StateHigh
	case amount > low:
		switch old {
		case domain.StateLow:
			if amount > middle {
				next = domain.StateOK
			}
		case domain.StateHigh:
			if amount < middle {
				next = domain.StateOK
			}
		default:
			next = domain.StateOK
		}
	default:
		next = domain.StateLow
	}

	// NONE is only the pre-play state: it persists until the first
	// buffering completes by crossing the middle threshold.
	if old == domain.StateNone && amount <= middle {
		next = domain.StateNone
	}

	firstFill := buffering && amount > middle
	if firstFill {
		p.buffering = false
	}
	changed := next != old
	if changed {
		p.state = next
	}
	reliable := p.reliable
	p.mu.Unlock()

	if firstFill {
		p.clearTimeout()
		// Reconcile with the live edge when far behind.
		if !reliable {
			if _, end, ok := p.playback.Buffered(); ok {
				if (end-p.sink.CurrentTime())*1000 > float64(high) {
					p.goLive()
				}
			}
		}
	}

	// The playhead can never trail the buffered range.
	if start, _, ok := p.playback.Buffered(); ok && p.sink.CurrentTime() < start {
		p.goLive()
	}

	if changed {
		p.collector.RecordBufferState(next)
		p.applyPlaybackRate(next)
		p.notifyState(next)
	}
}

func (p *Player) notifyState(state domain.BufferState) {
	p.mu.Lock()
	subs := make([]func(domain.BufferState), 0, len(p.stateSubs))
	for _, fn := range p.stateSubs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(state)
	}
}

// applyPlaybackRate drives the dynamic drain rate, suppressed on sinks
// that glitch on rate changes.
func (p *Player) applyPlaybackRate(state domain.BufferState) {
	if p.env != nil && p.env.FixedPlaybackRate() {
		return
	}
	switch state {
	case domain.StateHigh:
		p.sink.SetPlaybackRate(rateFast)
	case domain.StateLow:
		p.sink.SetPlaybackRate(rateSlow)
	default:
		p.sink.SetPlaybackRate(rateNormal)
	}
}

// handleWaiting is the media-element stall path.
func (p *Player) handleWaiting() {
	if p.BufferAmount() > p.lowThreshold() {
		return
	}

	p.mu.Lock()
	old := p.state
	p.state = domain.StateLow
	p.buffering = true
	p.paused = true
	p.mu.Unlock()

	p.sink.Pause()
	p.armTimeout(pkgerrors.ErrCodeDataTimeout)
	p.collector.RecordStall()
	p.log.Infow("stall", "previous_state", old.String())

	if old != domain.StateLow {
		p.collector.RecordBufferState(domain.StateLow)
		p.applyPlaybackRate(domain.StateLow)
		p.notifyState(domain.StateLow)
	}

	p.mu.Lock()
	subs := make([]func(), 0, len(p.stallSubs))
	for _, fn := range p.stallSubs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (p *Player) handleCanPlay() {
	p.clearTimeout()
	p.mu.Lock()
	paused := p.paused
	p.paused = false
	p.mu.Unlock()
	if paused {
		if err := p.sink.Resume(); err != nil {
			p.stop(pkgerrors.WrapError(err, pkgerrors.ErrCodePlayback, "resume"))
		}
	}
}

// handleSeeked reconciles after a user seek.
func (p *Player) handleSeeked() {
	if !p.Reliable() && p.BufferAmount() > p.highThreshold() {
		p.goLive()
	}
}

// goLive seeks the rendering position to the live edge, keeping MIDDLE ms
// buffered (never before the start of the buffered range).
func (p *Player) goLive() {
	start, end, ok := p.playback.Buffered()
	if !ok {
		return
	}
	target := end - float64(p.MiddleThreshold())/1000
	if target < start {
		target = start
	}
	p.log.Infow("go live", "target_s", target)
	p.sink.Seek(target)
}

func (p *Player) lowThreshold() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.low
}

func (p *Player) highThreshold() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high
}

// armTimeout (re)arms the single shared timeout slot.
func (p *Player) armTimeout(code pkgerrors.ErrorCode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout != nil {
		p.timeout.Stop()
	}
	p.timeoutCode = code
	d := p.idle
	p.timeout = time.AfterFunc(d, func() {
		p.stop(pkgerrors.NewTimeoutError(code, "no progress within the idle timeout"))
	})
}

// touchTimeout restarts the armed timeout slot when data flows. All three
// codes are idle timeouts: a healthy-but-slow connection must never be torn
// down while samples keep arriving.
func (p *Player) touchTimeout() {
	p.mu.Lock()
	code := p.timeoutCode
	armed := p.timeout != nil
	p.mu.Unlock()
	if armed && code != "" {
		p.armTimeout(code)
	}
}

func (p *Player) clearTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timeout != nil {
		p.timeout.Stop()
		p.timeout = nil
	}
	p.timeoutCode = ""
}

// Snapshot is the status surface of the player.
type Snapshot struct {
	State        string  `json:"state"`
	Buffering    bool    `json:"buffering"`
	BufferMs     int64   `json:"buffer_ms"`
	CurrentTime  float64 `json:"current_time_s"`
	PlaybackRate float64 `json:"playback_rate"`
	Reliable     bool    `json:"reliable"`
}

// Snapshot reports the current player status.
func (p *Player) Snapshot() Snapshot {
	return Snapshot{
		State:        p.State().String(),
		Buffering:    p.Buffering(),
		BufferMs:     p.BufferAmount(),
		CurrentTime:  p.sink.CurrentTime(),
		PlaybackRate: p.sink.PlaybackRate(),
		Reliable:     p.Reliable(),
	}
}
