// Package rts parses the RTS wire container into media and data samples
// plus stream metadata.
package rts

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
	"wrts/pkg/logger"
)

// Packet type bits of the first header varint.
const (
	typeData  = 0 // JSON payload, or stream metadata on the control track
	typeAudio = 1
	typeVideo = 2
	typeInit  = 3 // track init, control track only
)

// controlTrack is the reserved track id of control packets.
const controlTrack = int32(-1)

// Demuxer is a byte-oriented RTS parser. Input is either a framed transport
// where each message equals one packet, or a byte stream in which every
// packet is prefixed by an 8-bit total header length (withSize).
//
// All non-payload fields are 7-bit unsigned varints (MSB continuation).
type Demuxer struct {
	withSize bool
	log      *zap.SugaredLogger

	buf      []byte
	nextTime map[int32]uint64

	videoTrack int32
	audioTrack int32

	OnMetadata func(md *domain.Metadata)
	OnTracks   func(videoID, audioID int32)
	OnData     func(trackID uint32, time uint64, payload []byte)
	OnSample   func(trackID uint32, kind domain.TrackKind, sample *domain.Sample)
}

// NewDemuxer creates a demuxer. withSize selects the size-prefixed byte
// stream mode; otherwise every Read call must carry exactly one packet.
func NewDemuxer(withSize bool, log *zap.SugaredLogger) *Demuxer {
	if log == nil {
		log = logger.Nop()
	}
	return &Demuxer{
		withSize:   withSize,
		log:        log,
		nextTime:   make(map[int32]uint64),
		videoTrack: -1,
		audioTrack: -1,
	}
}

// Reset drops buffered bytes and timestamp state, as after a reconnect.
func (d *Demuxer) Reset() {
	d.buf = nil
	d.nextTime = make(map[int32]uint64)
}

// Read consumes input. In framed mode p is one packet; truncation is an
// error. In size-prefixed mode partial packets are kept for the next call.
func (d *Demuxer) Read(p []byte) error {
	if !d.withSize {
		return d.parsePacket(p, false)
	}

	d.buf = append(d.buf, p...)
	for len(d.buf) > 0 {
		headerLen := int(d.buf[0])
		if len(d.buf) < 1+headerLen {
			return nil // incomplete header, wait for more
		}
		header := d.buf[1 : 1+headerLen]

		payloadLen, ok := d.peekPayloadLength(header)
		if !ok {
			return pkgerrors.NewInvalidPayloadError("rts: malformed packet header")
		}
		total := 1 + headerLen + payloadLen
		if len(d.buf) < total {
			return nil // incomplete payload, wait for more
		}

		if err := d.parsePacket(d.buf[1:total], true); err != nil {
			return err
		}
		d.buf = d.buf[total:]
	}
	return nil
}

// peekPayloadLength extracts the payload length from a size-prefixed packet
// header without consuming state. The size varint, when present, is the
// last header field.
func (d *Demuxer) peekPayloadLength(header []byte) (int, bool) {
	r := reader{data: header}
	hdr, err := r.varint()
	if err != nil {
		return 0, false
	}
	trackID := int32(hdr>>2) - 1
	typ := int(hdr & 3)

	if trackID == controlTrack && typ == typeInit {
		return 0, true // track ids only, no payload
	}

	// All payload-bearing packets end the header with a size varint; the
	// remaining header fields before it are varints too, so the size is
	// the last varint of the header.
	size, err := lastVarint(header[r.pos:])
	if err != nil {
		return 0, false
	}
	return int(size), true
}

// parsePacket parses one complete packet. sized reports whether the payload
// length is carried in the header (size-prefixed mode).
func (d *Demuxer) parsePacket(p []byte, sized bool) error {
	r := reader{data: p}
	hdr, err := r.varint()
	if err != nil {
		return pkgerrors.NewInvalidPayloadError("rts: truncated packet header")
	}
	trackID := int32(hdr>>2) - 1
	typ := int(hdr & 3)

	if trackID == controlTrack {
		return d.parseControl(typ, &r, sized)
	}

	switch typ {
	case typeData:
		return d.parseData(uint32(trackID), &r, sized)
	case typeAudio:
		return d.parseMedia(trackID, domain.KindAudio, &r, sized)
	case typeVideo:
		return d.parseMedia(trackID, domain.KindVideo, &r, sized)
	default:
		return pkgerrors.NewUnknownFormatError(fmt.Sprintf("rts: unsupported packet type %d on track %d", typ, trackID))
	}
}

func (d *Demuxer) parseControl(typ int, r *reader, sized bool) error {
	switch typ {
	case typeInit:
		videoPlus1, err := r.varint()
		if err != nil {
			return pkgerrors.NewInvalidPayloadError("rts: truncated init tracks packet")
		}
		audioPlus1, err := r.varint()
		if err != nil {
			return pkgerrors.NewInvalidPayloadError("rts: truncated init tracks packet")
		}
		d.videoTrack = int32(videoPlus1) - 1
		d.audioTrack = int32(audioPlus1) - 1
		// Every track must resend an absolute time after an init.
		d.nextTime = make(map[int32]uint64)
		d.log.Debugw("rts tracks", "video", d.videoTrack, "audio", d.audioTrack)
		if d.OnTracks != nil {
			d.OnTracks(d.videoTrack, d.audioTrack)
		}
		return nil

	case typeData:
		payload, err := d.payload(r, sized)
		if err != nil {
			return err
		}
		md, _, err := domain.ParseManifest(payload)
		if err != nil {
			return pkgerrors.WrapError(err, pkgerrors.ErrCodeInvalidPayload, "rts: metadata packet")
		}
		if d.OnMetadata != nil {
			d.OnMetadata(md)
		}
		return nil

	default:
		return pkgerrors.NewUnknownFormatError(fmt.Sprintf("rts: unsupported control packet type %d", typ))
	}
}

func (d *Demuxer) parseData(trackID uint32, r *reader, sized bool) error {
	t, err := r.varint()
	if err != nil {
		return pkgerrors.NewInvalidPayloadError("rts: truncated data packet")
	}
	payload, err := d.payload(r, sized)
	if err != nil {
		return err
	}
	if d.OnData != nil {
		d.OnData(trackID, t, payload)
	}
	return nil
}

func (d *Demuxer) parseMedia(trackID int32, kind domain.TrackKind, r *reader, sized bool) error {
	t, known := d.nextTime[trackID]
	if !known {
		abs, err := r.varint()
		if err != nil {
			return pkgerrors.NewInvalidPayloadError("rts: media packet without time")
		}
		t = abs
	}

	value, err := r.varint()
	if err != nil {
		return pkgerrors.NewInvalidPayloadError("rts: truncated media packet")
	}
	duration := value >> 2
	hasCompositionOffset := value&2 != 0
	isKeyFrame := value&1 != 0

	var compositionOffset int32
	if hasCompositionOffset {
		co, err := r.varint()
		if err != nil {
			return pkgerrors.NewInvalidPayloadError("rts: truncated composition offset")
		}
		compositionOffset = int32(co)
	}

	payload, err := d.payload(r, sized)
	if err != nil {
		return err
	}

	d.nextTime[trackID] = t + duration

	if d.OnSample != nil {
		d.OnSample(uint32(trackID), kind, &domain.Sample{
			Time:              t,
			Duration:          int64(duration),
			Data:              payload,
			CompositionOffset: compositionOffset,
			IsKeyFrame:        isKeyFrame,
		})
	}
	return nil
}

// payload reads the packet payload: size-prefixed when sized, the rest of
// the frame otherwise.
func (d *Demuxer) payload(r *reader, sized bool) ([]byte, error) {
	if !sized {
		return r.rest(), nil
	}
	size, err := r.varint()
	if err != nil {
		return nil, pkgerrors.NewInvalidPayloadError("rts: truncated payload size")
	}
	p, err := r.take(int(size))
	if err != nil {
		return nil, pkgerrors.NewInvalidPayloadError("rts: truncated payload")
	}
	return p, nil
}

// reader is a cursor over one packet.
type reader struct {
	data []byte
	pos  int
}

var errShortRead = fmt.Errorf("short read")

func (r *reader) varint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, errShortRead
	}
	r.pos += n
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errShortRead
	}
	p := r.data[r.pos : r.pos+n]
	r.pos += n
	return p, nil
}

func (r *reader) rest() []byte {
	p := r.data[r.pos:]
	r.pos = len(r.data)
	return p
}

// lastVarint decodes the final varint of a buffer that consists entirely of
// varints.
func lastVarint(p []byte) (uint64, error) {
	var v uint64
	var err error = errShortRead
	r := reader{data: p}
	for r.pos < len(p) {
		v, err = r.varint()
		if err != nil {
			return 0, err
		}
	}
	return v, err
}

// Factory returns a ports.DemuxerFactory building RTS demuxers wired to a
// sink.
func Factory(log *zap.SugaredLogger) ports.DemuxerFactory {
	return func(withSize bool, sink ports.DemuxerSink) ports.Demuxer {
		d := NewDemuxer(withSize, log)
		d.OnMetadata = sink.OnMetadata
		d.OnTracks = sink.OnTracks
		d.OnData = sink.OnData
		d.OnSample = sink.OnSample
		return d
	}
}
