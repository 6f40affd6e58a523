package services

import (
	"context"
	"net/url"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
)

// WSSource streams RTS over one long-lived websocket connection: binary
// frames carry one packet each, control messages ride the same connection
// as JSON.
type WSSource struct {
	*Source

	dialer ports.WSDialer

	mu   sync.Mutex
	conn ports.WSConn
}

// NewWSSource creates the websocket variant.
func NewWSSource(dialer ports.WSDialer, demux ports.DemuxerFactory, collector ports.Collector, log *zap.SugaredLogger) *WSSource {
	s := &WSSource{
		Source: NewSource(demux, collector, log),
		dialer: dialer,
	}
	s.applyTracks = s.sendTracks
	s.applyReliability = s.sendReliability
	return s
}

// Open dials the endpoint and pumps frames until the connection or context
// ends.
func (s *WSSource) Open(ctx context.Context, endpoint string, params url.Values, playing Playing) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "bad endpoint")
		s.finish(err)
		return err
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	q.Set("reliable", strconv.FormatBool(s.Reliable()))
	u.RawQuery = q.Encode()

	conn, err := s.dialer.Dial(ctx, u.String())
	if err != nil {
		err = pkgerrors.NewRequestError("stream open failed: " + err.Error())
		s.finish(err)
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// The connection does not watch the context on its own.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	demuxer := s.demux(false, ports.DemuxerSink{
		OnMetadata: s.setMetadata,
		OnTracks:   s.SetEffectiveTracks,
		OnData:     s.HandleData,
		OnSample:   s.Ingest,
	})

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				s.finish(nil)
				return nil
			}
			err = pkgerrors.WrapError(err, pkgerrors.ErrCodeRequestError, "websocket read")
			s.finish(err)
			return err
		}
		s.AddBytes(len(frame))
		if err := demuxer.Read(frame); err != nil {
			conn.Close()
			s.finish(err)
			return err
		}
	}
}

// sendTracks encodes a selection change: "<id>" pins a track, "<id>~"
// allows automatic switching, a bare "~" deselects the kind.
func (s *WSSource) sendTracks(sel TrackSelection) {
	msg := map[string]string{}
	if v := s.wsTrackValue(domain.KindAudio, sel.Audio); v != "" {
		msg["audio"] = v
	}
	if v := s.wsTrackValue(domain.KindVideo, sel.Video); v != "" {
		msg["video"] = v
	}
	if len(msg) == 0 {
		return
	}
	s.send(msg)
}

func (s *WSSource) wsTrackValue(kind domain.TrackKind, sel *int64) string {
	if sel != nil {
		if *sel < 0 {
			return "~"
		}
		return strconv.FormatInt(*sel, 10)
	}
	// Automatic: current track with switching allowed, when known.
	if id, ok := s.EffectiveTrack(kind); ok && id >= 0 {
		return strconv.FormatInt(id, 10) + "~"
	}
	return ""
}

func (s *WSSource) sendReliability(reliable bool) {
	s.send(map[string]bool{"reliable": reliable})
}

func (s *WSSource) send(v interface{}) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.WriteJSON(v); err != nil {
		s.log.Warnw("websocket control send failed", "error", err)
	}
}
