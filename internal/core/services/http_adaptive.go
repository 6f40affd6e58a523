package services

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	"wrts/pkg/cache"
	"wrts/pkg/circuitbreaker"
	pkgerrors "wrts/pkg/errors"
	"wrts/pkg/retry"
	"wrts/pkg/tracing"
	"wrts/pkg/utils"
)

// HTTPAdaptiveConfig tunes the pull-based source.
type HTTPAdaptiveConfig struct {
	MediaExt  string // substituted for {ext} in the sequence pattern
	PreloadMs int64  // preload query parameter of the first request
	CMCD      *CMCD
}

// HTTPAdaptiveSource pulls numbered sequences over HTTP with bitrate
// adaptation, bandwidth-emulation up probes, sequence skipping and a
// last-chance single-frame mode. Four independently cancellable request
// tokens are in flight at most: audio, video, up and manifest.
type HTTPAdaptiveSource struct {
	*Source

	tr  ports.Transport
	env ports.Environment
	cfg HTTPAdaptiveConfig

	cmcd         *CMCD
	breaker      *circuitbreaker.CircuitBreaker
	probeCache   *cache.Cache[bool]
	probeLimiter *rate.Limiter

	audioToken    *requestToken
	videoToken    *requestToken
	upToken       *requestToken
	manifestToken *requestToken

	playing Playing
	baseURL *url.URL
	pattern string

	adaptive *AdaptiveRetry

	// Controller state, owned by the run goroutine.
	videoTrack        *domain.Track
	audioTrack        *domain.Track
	upSucceeded       bool
	prevVideoTime     uint64
	havePrevVideoTime bool

	// Shared with the fetch goroutines.
	maxSeqDur    atomic.Int64
	firstRequest atomic.Bool
	stalled      atomic.Bool
}

// NewHTTPAdaptiveSource wires the adaptive controller.
func NewHTTPAdaptiveSource(tr ports.Transport, env ports.Environment, demux ports.DemuxerFactory,
	collector ports.Collector, cfg HTTPAdaptiveConfig, log *zap.SugaredLogger) *HTTPAdaptiveSource {

	cmcd := cfg.CMCD
	if cmcd == nil {
		cmcd = NewCMCD(CMCDOff, false, "")
	}
	s := &HTTPAdaptiveSource{
		Source:        NewSource(demux, collector, log),
		tr:            tr,
		env:           env,
		cfg:           cfg,
		cmcd:          cmcd,
		breaker:       circuitbreaker.New(circuitbreaker.DefaultConfig()),
		probeCache:    cache.New[bool](2 * time.Second),
		probeLimiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 1),
		audioToken:    newRequestToken("audio"),
		videoToken:    newRequestToken("video"),
		upToken:       newRequestToken("up"),
		manifestToken: newRequestToken("manifest"),
		adaptive:      NewAdaptiveRetry(),
	}
	s.firstRequest.Store(true)
	return s
}

// Open begins playing from the endpoint and returns when the source
// finishes (error or close via context).
func (s *HTTPAdaptiveSource) Open(ctx context.Context, endpoint string, params url.Values, playing Playing) error {
	s.playing = playing

	manifestURL, err := utils.ManifestURL(endpoint)
	if err != nil {
		err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "bad endpoint")
		s.finish(err)
		return err
	}
	s.baseURL, _ = url.Parse(manifestURL)

	md, seq, rtt, err := s.fetchManifest(ctx, manifestURL)
	if err != nil {
		s.finish(err)
		return err
	}
	md.AdvanceLiveTime(uint64(rtt.Milliseconds() / 2))
	s.setMetadata(md)

	if seq == nil || seq.Pattern == "" {
		err := pkgerrors.NewMalformedPayloadError("manifest has no sequence addressing")
		s.finish(err)
		return err
	}
	s.pattern = seq.Pattern

	playing.SubscribeState(s, func(st domain.BufferState) {
		if st == domain.StateLow {
			s.upToken.Abort()
		}
	})
	playing.SubscribeStall(s, func() {
		s.stalled.Store(true)
		s.cmcd.NoteStall()
		if !s.Reliable() {
			s.audioToken.Abort()
			s.videoToken.Abort()
			s.upToken.Abort()
		}
	})
	defer playing.Unsubscribe(s)

	err = s.run(ctx, seq.CurrentID, params)
	s.finish(err)
	return err
}

// fetchManifest loads and parses the manifest with RTT measurement,
// retrying transient failures with a 500 ms backoff.
func (s *HTTPAdaptiveSource) fetchManifest(ctx context.Context, manifestURL string) (*domain.Metadata, *domain.Sequence, time.Duration, error) {
	var md *domain.Metadata
	var seq *domain.Sequence
	var rtt time.Duration

	cfg := retry.DefaultConfig()
	cfg.Transient = func(err error) bool {
		appErr := pkgerrors.GetAppError(err)
		return appErr == nil || appErr.Code == pkgerrors.ErrCodeRequestError
	}

	err := retry.Do(ctx, cfg, func() error {
		return s.breaker.Execute(func() error {
			sctx, span := tracing.TraceManifest(ctx, manifestURL)
			defer span.End()

			rctx := s.manifestToken.start(sctx)
			defer s.manifestToken.finish()

			req := &ports.Request{Method: http.MethodGet, URL: manifestURL, Header: http.Header{}}
			s.cmcd.Apply(req, s.cmcdInfo("other"))

			begin := utils.Now()
			resp, err := s.tr.Do(rctx, req)
			if err != nil {
				tracing.RecordError(sctx, err)
				return pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "manifest request")
			}
			rtt = utils.Since(begin)
			defer resp.Body.Close()

			if resp.Status == http.StatusNotFound {
				return pkgerrors.NewRequestError(fmt.Sprintf("404 manifest %s", manifestURL))
			}
			if !resp.OK() {
				return pkgerrors.NewRequestError(fmt.Sprintf("manifest status %d", resp.Status))
			}

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "manifest body")
			}
			md, seq, err = domain.ParseManifest(body)
			if err != nil {
				return pkgerrors.WrapError(err, pkgerrors.ErrCodeMalformedPayload, "manifest")
			}
			s.cmcd.NoteSuccess()
			return nil
		})
	})
	if err != nil {
		return nil, nil, 0, err
	}
	return md, seq, rtt, nil
}

// run is the per-sequence main loop.
func (s *HTTPAdaptiveSource) run(ctx context.Context, startID int64, params url.Values) error {
	n := startID
	prevCandidate := int64(math.MaxInt64)

	s.chooseInitialTracks()

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.selectRendition()
		n = s.maybeSkip(ctx, n, &prevCandidate)

		advanced, err := s.download(ctx, n, params)
		if err != nil {
			return err
		}
		if advanced {
			n++
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// chooseInitialTracks picks the startup renditions: the highest bandwidth
// fitting the measured rate (top rendition while nothing is measured),
// clamped to the display resolution.
func (s *HTTPAdaptiveSource) chooseInitialTracks() {
	md := s.Metadata()
	if md == nil {
		return
	}
	s.audioTrack = s.resolvePinned(domain.KindAudio, md.FirstOfKind(domain.KindAudio))
	video := s.resolvePinned(domain.KindVideo, md.FirstOfKind(domain.KindVideo))

	if _, pinned := s.SelectedTrack(domain.KindVideo); !pinned && video != nil {
		bw := s.RecvByteRate()
		max := s.env.MaxResolution()
		for video.Down != nil {
			if video.Resolution.Exceeds(max) {
				video = video.Down
				continue
			}
			if bw > 0 && video.Bandwidth+s.audioBandwidth() > bw {
				video = video.Down
				continue
			}
			break
		}
	}
	s.videoTrack = video
}

// resolvePinned maps a user selection onto a track: -1 disables the kind,
// an explicit id pins it, automatic keeps fallback.
func (s *HTTPAdaptiveSource) resolvePinned(kind domain.TrackKind, fallback *domain.Track) *domain.Track {
	sel, ok := s.SelectedTrack(kind)
	if !ok {
		return fallback
	}
	if sel < 0 {
		return nil
	}
	md := s.Metadata()
	if md == nil {
		return fallback
	}
	if t := md.TrackByID(uint32(sel)); t != nil {
		return t
	}
	return fallback
}

// selectRendition runs the per-iteration MBR decision.
func (s *HTTPAdaptiveSource) selectRendition() {
	md := s.Metadata()
	if md == nil {
		s.resetDecisionFlags()
		return
	}
	state := s.playing.State()

	// Re-resolve against the latest metadata; refreshed metadata replaces
	// track objects.
	if s.videoTrack != nil {
		if t := md.TrackByID(s.videoTrack.ID); t != nil {
			s.videoTrack = t
		} else {
			s.videoTrack = md.FirstOfKind(domain.KindVideo)
		}
	}
	s.audioTrack = s.resolvePinned(domain.KindAudio, s.audioTrack)

	if sel, pinned := s.SelectedTrack(domain.KindVideo); pinned {
		s.videoTrack = nil
		if sel >= 0 {
			s.videoTrack = md.TrackByID(uint32(sel))
		}
		s.resetDecisionFlags()
		return
	}

	if md == nil || state == domain.StateNone || s.videoTrack == nil {
		s.resetDecisionFlags()
		return
	}

	bw := s.RecvByteRate()
	aborted := s.videoToken.Aborted() || s.upToken.Aborted()
	stalled := s.stalled.Swap(false)

	switch {
	case aborted || stalled:
		s.stepDown()
		for s.videoTrack.Down != nil && s.videoTrack.Bandwidth+s.audioBandwidth() > bw {
			s.stepDown()
		}
		s.adaptive.Raise()
		s.collector.RecordUpProbe(false)

	case s.upSucceeded:
		if s.videoTrack.Up != nil {
			s.log.Infow("rendition up", "from", s.videoTrack.ID, "to", s.videoTrack.Up.ID,
				"bandwidth", s.videoTrack.Up.Bandwidth)
			s.videoTrack = s.videoTrack.Up
			s.collector.RecordUpProbe(true)
		}

	case state == domain.StateLow:
		s.stepDown()
	}

	max := s.env.MaxResolution()
	for s.videoTrack != nil && s.videoTrack.Resolution.Exceeds(max) && s.videoTrack.Down != nil {
		s.stepDown()
	}

	if s.videoTrack != nil {
		s.collector.RecordBitrate(domain.KindVideo, s.videoTrack.Bandwidth)
	}
	s.resetDecisionFlags()
}

func (s *HTTPAdaptiveSource) resetDecisionFlags() {
	s.upSucceeded = false
	s.audioToken.clearAborted()
	s.videoToken.clearAborted()
	s.upToken.clearAborted()
}

func (s *HTTPAdaptiveSource) stepDown() {
	if s.videoTrack != nil && s.videoTrack.Down != nil {
		s.log.Infow("rendition down", "from", s.videoTrack.ID, "to", s.videoTrack.Down.ID)
		s.videoTrack = s.videoTrack.Down
	}
}

func (s *HTTPAdaptiveSource) audioBandwidth() int {
	if s.audioTrack == nil {
		return 0
	}
	return s.audioTrack.Bandwidth
}

// maybeSkip advances the sequence number past stale content when the player
// is starving. It refuses to skip while the sequence duration is unknown.
func (s *HTTPAdaptiveSource) maybeSkip(ctx context.Context, n int64, prevCandidate *int64) int64 {
	if s.Reliable() || s.playing.State() != domain.StateLow || !s.playing.Buffering() {
		return n
	}
	maxSeqDur := s.maxSeqDur.Load()
	if maxSeqDur <= 0 {
		return n
	}
	md := s.Metadata()
	if md == nil {
		return n
	}
	track := s.videoTrack
	if track == nil {
		track = s.audioTrack
	}
	if track == nil {
		return n
	}

	for {
		delay := int64(md.LiveTime()) - int64(s.CurrentTime())
		if delay <= maxSeqDur {
			return n
		}
		candidate := n + delay/maxSeqDur
		if candidate > *prevCandidate-1 {
			candidate = *prevCandidate - 1
		}
		if candidate <= n {
			return n
		}
		*prevCandidate = candidate

		if s.headSequence(ctx, track.ID, candidate, nil) {
			s.log.Infow("sequence skip", "from", n, "to", candidate, "delay_ms", delay)
			return candidate
		}
		// The advertised live time was too optimistic.
		md.RewindLiveTime(uint64(maxSeqDur))
	}
}

// headSequence probes a sequence with a HEAD request; the result headers
// are handed to onHeader when provided.
func (s *HTTPAdaptiveSource) headSequence(ctx context.Context, trackID uint32, n int64, onHeader func(http.Header)) bool {
	key := fmt.Sprintf("%d/%d", trackID, n)
	if onHeader == nil {
		if ok, hit := s.probeCache.Get(key); hit {
			return ok
		}
	}
	if err := s.probeLimiter.Wait(ctx); err != nil {
		return false
	}

	sctx, span := tracing.TraceSequence(ctx, http.MethodHead, trackID, n)
	defer span.End()

	req := &ports.Request{Method: http.MethodHead, URL: s.sequenceURL(trackID, n), Header: http.Header{}}
	s.cmcd.Apply(req, s.cmcdInfo("v"))
	resp, err := s.tr.Do(sctx, req)
	if err != nil {
		tracing.RecordError(sctx, err)
		return false
	}
	if resp.Body != nil {
		resp.Body.Close()
	}
	s.noteSequenceHeaders(resp.Header)
	if onHeader != nil {
		onHeader(resp.Header)
	}
	ok := resp.OK()
	if onHeader == nil {
		s.probeCache.Set(key, ok)
	}
	return ok
}

// download runs one parallel fetch iteration: audio, video (or its
// last-chance form) and possibly an up probe, awaited together.
func (s *HTTPAdaptiveSource) download(ctx context.Context, n int64, params url.Values) (bool, error) {
	audioEnabled := s.audioTrack != nil
	videoEnabled := s.videoTrack != nil
	if !audioEnabled && !videoEnabled {
		// Nothing to pull; wait for a selection change.
		select {
		case <-ctx.Done():
		case <-time.After(100 * time.Millisecond):
		}
		return false, nil
	}

	lastChance := videoEnabled && !s.Reliable() && !s.playing.Buffering() &&
		s.playing.State() == domain.StateLow && s.videoTrack.Down == nil && s.maxSeqDur.Load() > 0

	videoTime, haveVideoTime := s.KindTime(domain.KindVideo)

	results := make(chan fetchResult, 3)
	launched := 0

	if audioEnabled {
		launched++
		go s.fetchSequence(ctx, s.audioToken, s.audioTrack, domain.KindAudio, n, params, results)
	}
	if videoEnabled {
		launched++
		if lastChance {
			go s.fetchLastChance(ctx, n, params, results)
		} else {
			go s.fetchSequence(ctx, s.videoToken, s.videoTrack, domain.KindVideo, n, params, results)
		}
	}

	if videoEnabled && !lastChance && s.videoTrack.Up != nil && haveVideoTime && s.havePrevVideoTime {
		up := s.videoTrack.Up
		extra := up.Bandwidth - s.videoTrack.Bandwidth
		if extra > 0 && videoTime > s.prevVideoTime &&
			!up.Resolution.Exceeds(s.env.MaxResolution()) && s.adaptive.Try() {
			length := int64(math.Ceil(float64(extra) * float64(videoTime-s.prevVideoTime) / 1000))
			if length > 0 {
				launched++
				go s.fetchUpProbe(ctx, up, n-1, length, results)
			}
		}
	}

	advanced := false
	var fatal error
	transient := false
	for i := 0; i < launched; i++ {
		r := <-results
		switch {
		case r.aborted:
			// Aborts feed the next selection decision, nothing else.
		case r.err != nil:
			appErr := pkgerrors.GetAppError(r.err)
			if appErr != nil && appErr.Code != pkgerrors.ErrCodeRequestError {
				fatal = r.err
			} else {
				transient = true
				s.log.Warnw("sequence request failed", "token", r.token, "sequence", n, "error", r.err)
			}
		case r.completed:
			if r.token == "audio" || r.token == "video" {
				advanced = true
			}
			if r.token == "up" {
				s.upSucceeded = true
			}
		}
	}

	if fatal != nil {
		return false, fatal
	}
	if haveVideoTime {
		s.prevVideoTime = videoTime
		s.havePrevVideoTime = true
	}
	if transient && !advanced {
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}
	return advanced, nil
}

// fetchSequence GETs one sequence of a track and demuxes its body.
func (s *HTTPAdaptiveSource) fetchSequence(ctx context.Context, tok *requestToken, track *domain.Track,
	kind domain.TrackKind, n int64, params url.Values, results chan<- fetchResult) {

	res := fetchResult{token: tok.name}
	defer func() { results <- res }()

	sctx, span := tracing.TraceSequence(ctx, http.MethodGet, track.ID, n)
	defer span.End()

	rctx := tok.start(sctx)
	defer tok.finish()

	req := s.sequenceRequest(track, kind, n, params)
	begin := utils.Now()
	resp, err := s.tr.Do(rctx, req)
	if err != nil {
		if tok.Aborted() || rctx.Err() != nil {
			res.aborted = true
			return
		}
		res.err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "sequence request")
		tracing.RecordError(sctx, res.err)
		return
	}
	defer resp.Body.Close()
	res.status = resp.Status
	s.noteSequenceHeaders(resp.Header)

	if !resp.OK() {
		res.err = pkgerrors.NewRequestError(fmt.Sprintf("%d sequence %d track %d", resp.Status, n, track.ID))
		s.collector.RecordSequenceDownload(utils.Since(begin), false)
		return
	}

	demuxer := s.newRequestDemuxer(tok, nil)
	buf := make([]byte, 32*1024)
	for {
		m, err := resp.Body.Read(buf)
		if m > 0 {
			s.AddBytes(m)
			if derr := demuxer.Read(buf[:m]); derr != nil {
				res.err = derr
				s.collector.RecordSequenceDownload(utils.Since(begin), false)
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if tok.Aborted() || rctx.Err() != nil {
				res.aborted = true
				return
			}
			res.err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "sequence body")
			s.collector.RecordSequenceDownload(utils.Since(begin), false)
			return
		}
	}

	res.completed = true
	s.cmcd.NoteSuccess()
	s.collector.RecordSequenceDownload(utils.Since(begin), true)
}

// newRequestDemuxer wires a fresh demuxer for one sequence response.
func (s *HTTPAdaptiveSource) newRequestDemuxer(tok *requestToken, onVideo func(*domain.Sample) bool) ports.Demuxer {
	return s.demux(true, ports.DemuxerSink{
		OnMetadata: s.setMetadata,
		OnTracks:   s.SetEffectiveTracks,
		OnData:     s.HandleData,
		OnSample: func(trackID uint32, kind domain.TrackKind, sample *domain.Sample) {
			if kind == domain.KindVideo && onVideo != nil {
				if !onVideo(sample) {
					return
				}
			}
			s.Ingest(trackID, kind, sample)
		},
	})
}

// fetchLastChance runs the bottom-rendition congestion mode: learn the
// first frame length, range-request just that frame and stretch it over
// the sequence window.
func (s *HTTPAdaptiveSource) fetchLastChance(ctx context.Context, n int64, params url.Values, results chan<- fetchResult) {
	track := s.videoTrack
	var firstFrameLen int64 = -1
	ok := s.headSequence(ctx, track.ID, n, func(h http.Header) {
		if v := h.Get("first-frame-length"); v != "" {
			if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
				firstFrameLen = parsed
			}
		}
	})
	if !ok || firstFrameLen <= 0 {
		results <- fetchResult{token: "video", err: pkgerrors.NewRequestError(
			fmt.Sprintf("sequence %d head gave no first-frame-length", n))}
		return
	}

	stopped := false
	maxSeqDur := s.maxSeqDur.Load()
	onVideo := func(sample *domain.Sample) bool {
		if stopped {
			return false
		}
		if s.playing.BufferAmount() > 0 && !sample.IsKeyFrame {
			return true
		}
		// Single-frame policy: one key frame carries the whole window.
		stopped = true
		stretch := maxSeqDur - sample.Duration
		if stretch > 0 {
			sample.Duration = maxSeqDur
		}
		s.Ingest(track.ID, domain.KindVideo, sample)
		if stretch > 0 {
			s.emitSkip(domain.KindVideo, stretch)
		}
		s.videoToken.Abort() // no further video packets for this request
		return false
	}

	inner := make(chan fetchResult, 1)
	go s.fetchRangeSequence(ctx, track, n, params, firstFrameLen, onVideo, inner)
	r := <-inner
	if r.aborted && stopped {
		// The single frame landed; the abort is the intended cut-off.
		r = fetchResult{token: "video", completed: true}
	}
	results <- r
}

// fetchRangeSequence GETs a sequence with a byte range.
func (s *HTTPAdaptiveSource) fetchRangeSequence(ctx context.Context, track *domain.Track, n int64,
	params url.Values, length int64, onVideo func(*domain.Sample) bool, results chan<- fetchResult) {

	res := fetchResult{token: "video"}
	defer func() { results <- res }()

	sctx, span := tracing.TraceSequence(ctx, http.MethodGet, track.ID, n)
	defer span.End()

	rctx := s.videoToken.start(sctx)
	defer s.videoToken.finish()

	req := s.sequenceRequest(track, domain.KindVideo, n, params)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", length-1))

	resp, err := s.tr.Do(rctx, req)
	if err != nil {
		if s.videoToken.Aborted() || rctx.Err() != nil {
			res.aborted = true
			return
		}
		res.err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "range request")
		return
	}
	defer resp.Body.Close()
	s.noteSequenceHeaders(resp.Header)
	if !resp.OK() {
		res.err = pkgerrors.NewRequestError(fmt.Sprintf("%d range sequence %d", resp.Status, n))
		return
	}

	demuxer := s.newRequestDemuxer(s.videoToken, onVideo)
	buf := make([]byte, 32*1024)
	for {
		m, err := resp.Body.Read(buf)
		if m > 0 {
			s.AddBytes(m)
			if derr := demuxer.Read(buf[:m]); derr != nil {
				res.err = derr
				return
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if s.videoToken.Aborted() || rctx.Err() != nil {
				res.aborted = true
				return
			}
			res.err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "range body")
			return
		}
	}
	res.completed = true
	s.cmcd.NoteSuccess()
}

// fetchUpProbe issues the bandwidth-emulation ghost request: a ranged GET
// of the higher rendition whose body is discarded; only completion or
// cancellation is observed.
func (s *HTTPAdaptiveSource) fetchUpProbe(ctx context.Context, up *domain.Track, n int64, length int64, results chan<- fetchResult) {
	res := fetchResult{token: "up"}
	defer func() { results <- res }()

	sctx, span := tracing.TraceSequence(ctx, http.MethodGet, up.ID, n)
	defer span.End()

	rctx := s.upToken.start(sctx)
	defer s.upToken.finish()

	req := &ports.Request{Method: http.MethodGet, URL: s.sequenceURL(up.ID, n), Header: http.Header{}}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", length-1))
	s.cmcd.Apply(req, s.cmcdInfo("v"))

	resp, err := s.tr.Do(rctx, req)
	if err != nil {
		if s.upToken.Aborted() || rctx.Err() != nil {
			res.aborted = true
			return
		}
		res.err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "up probe")
		return
	}
	defer resp.Body.Close()
	if !resp.OK() {
		res.err = pkgerrors.NewRequestError(fmt.Sprintf("%d up probe", resp.Status))
		return
	}

	buf := make([]byte, 32*1024)
	for {
		m, err := resp.Body.Read(buf)
		if m > 0 {
			s.AddBytes(m) // the extra receive rate is the measurement
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if s.upToken.Aborted() || rctx.Err() != nil {
				res.aborted = true
				return
			}
			res.err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "up probe body")
			return
		}
	}
	res.completed = true
}

// sequenceRequest builds a sequence GET with source query parameters and
// CMCD.
func (s *HTTPAdaptiveSource) sequenceRequest(track *domain.Track, kind domain.TrackKind, n int64, params url.Values) *ports.Request {
	u, _ := url.Parse(s.sequenceURL(track.ID, n))
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("reliable", strconv.FormatBool(s.Reliable()))
	if s.audioTrack != nil {
		q.Set("audio", s.trackParam(domain.KindAudio, s.audioTrack.ID))
	}
	if s.videoTrack != nil {
		q.Set("video", s.trackParam(domain.KindVideo, s.videoTrack.ID))
	}
	if s.firstRequest.CompareAndSwap(true, false) && s.cfg.PreloadMs > 0 {
		q.Set("preload", strconv.FormatInt(s.cfg.PreloadMs, 10))
	}
	u.RawQuery = q.Encode()

	req := &ports.Request{Method: http.MethodGet, URL: u.String(), Header: http.Header{}}
	ot := "v"
	if kind == domain.KindAudio {
		ot = "a"
	}
	s.cmcd.Apply(req, s.cmcdInfo(ot))
	return req
}

// trackParam renders the track query value; a trailing ~ allows automatic
// switching.
func (s *HTTPAdaptiveSource) trackParam(kind domain.TrackKind, id uint32) string {
	if _, pinned := s.SelectedTrack(kind); pinned {
		return strconv.FormatUint(uint64(id), 10)
	}
	return strconv.FormatUint(uint64(id), 10) + "~"
}

func (s *HTTPAdaptiveSource) sequenceURL(trackID uint32, n int64) string {
	ref := utils.ExpandPattern(s.pattern, trackID, n, s.cfg.MediaExt)
	u, err := utils.ResolveURL(s.baseURL, ref)
	if err != nil {
		return ref
	}
	return u.String()
}

// noteSequenceHeaders captures the server-advertised sequence duration.
func (s *HTTPAdaptiveSource) noteSequenceHeaders(h http.Header) {
	if v := h.Get("max-sequence-duration"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			s.maxSeqDur.Store(parsed)
		}
	}
}

func (s *HTTPAdaptiveSource) cmcdInfo(objectType string) CMCDInfo {
	info := CMCDInfo{
		ThroughputKbps: s.RecvByteRate() * 8 / 1000,
		ObjectType:     objectType,
		PlaybackRate:   1,
	}
	if s.videoTrack != nil {
		info.BitrateKbps = s.videoTrack.Bandwidth * 8 / 1000
	}
	if s.playing != nil {
		info.BufferLengthMs = s.playing.BufferAmount()
		info.PlaybackRate = s.playing.PlaybackRate()
		info.BufferEmpty = s.playing.Buffering()
		info.DeadlineMs = info.BufferLengthMs
	}
	return info
}
