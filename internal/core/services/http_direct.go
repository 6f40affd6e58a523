package services

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
)

// HTTPDirectSource streams RTS as one long chunked response. Track and
// reliability changes are re-expressed as query parameters on reconnect.
type HTTPDirectSource struct {
	*Source

	tr ports.Transport

	mu        sync.Mutex
	reconnect bool
	token     *requestToken
}

// NewHTTPDirectSource creates the single-response streaming variant.
func NewHTTPDirectSource(tr ports.Transport, demux ports.DemuxerFactory, collector ports.Collector, log *zap.SugaredLogger) *HTTPDirectSource {
	s := &HTTPDirectSource{
		Source: NewSource(demux, collector, log),
		tr:     tr,
		token:  newRequestToken("stream"),
	}
	s.applyTracks = func(TrackSelection) { s.requestReconnect() }
	s.applyReliability = func(bool) { s.requestReconnect() }
	return s
}

// requestReconnect aborts the live response so the loop reopens with the
// new parameters.
func (s *HTTPDirectSource) requestReconnect() {
	s.mu.Lock()
	s.reconnect = true
	s.mu.Unlock()
	s.token.Abort()
}

// Open streams the endpoint until the context ends, reconnecting on
// parameter changes.
func (s *HTTPDirectSource) Open(ctx context.Context, endpoint string, params url.Values, playing Playing) error {
	for {
		if ctx.Err() != nil {
			s.finish(nil)
			return nil
		}

		err := s.stream(ctx, endpoint, params)

		s.mu.Lock()
		again := s.reconnect
		s.reconnect = false
		s.mu.Unlock()

		if again {
			continue
		}
		if ctx.Err() != nil {
			err = nil
		}
		s.finish(err)
		return err
	}
}

func (s *HTTPDirectSource) stream(ctx context.Context, endpoint string, params url.Values) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "bad endpoint")
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("reliable", strconv.FormatBool(s.Reliable()))
	if sel, ok := s.SelectedTrack(domain.KindAudio); ok {
		q.Set("audio", trackQueryValue(sel))
	}
	if sel, ok := s.SelectedTrack(domain.KindVideo); ok {
		q.Set("video", trackQueryValue(sel))
	}
	u.RawQuery = q.Encode()

	rctx := s.token.start(ctx)
	defer s.token.finish()

	resp, err := s.tr.Do(rctx, &ports.Request{Method: http.MethodGet, URL: u.String(), Header: http.Header{}})
	if err != nil {
		if s.token.Aborted() || rctx.Err() != nil {
			return nil
		}
		return pkgerrors.NewRequestError("stream open failed: " + err.Error())
	}
	defer resp.Body.Close()
	if !resp.OK() {
		return pkgerrors.NewRequestError(strconv.Itoa(resp.Status) + " stream " + u.Path)
	}

	demuxer := s.demux(true, ports.DemuxerSink{
		OnMetadata: s.setMetadata,
		OnTracks:   s.SetEffectiveTracks,
		OnData:     s.HandleData,
		OnSample:   s.Ingest,
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			s.AddBytes(n)
			if derr := demuxer.Read(buf[:n]); derr != nil {
				return derr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if s.token.Aborted() || rctx.Err() != nil {
				return nil
			}
			return pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "stream body")
		}
	}
}

// trackQueryValue renders the track parameter: a pinned id plain, -1 as a
// bare ~ (deselect).
func trackQueryValue(sel int64) string {
	if sel < 0 {
		return "~"
	}
	return strconv.FormatInt(sel, 10)
}
