// Package cmaf writes fragmented ISO-BMFF (CMAF) for a single track:
// an initialization segment and one moof+mdat fragment per sample.
// Box ordering and flag bits are part of the wire contract; given identical
// inputs the output is byte-for-byte reproducible.
package cmaf

import (
	"encoding/base64"
	"encoding/hex"
	"sort"

	"go.uber.org/zap"

	"wrts/internal/core/domain"
	"wrts/internal/core/ports"
	pkgerrors "wrts/pkg/errors"
	"wrts/pkg/logger"
)

// Movie and media timescale: 1 ms units.
const timescale = 1000

// Sample flag words of the trun entry.
const (
	flagsSync    = 0x02000000 // audio, or key-frame video
	flagsNonSync = 0x01010000
)

// Writer emits CMAF for one track.
type Writer struct {
	track *domain.Track
	seq   uint32
	log   *zap.SugaredLogger

	audioObjectType byte // 0x40 AAC, 0x69 MP3
}

// NewWriter validates the track and creates a writer. Fragment sequence
// numbers start at 1 on the first Write after Init.
func NewWriter(track *domain.Track, log *zap.SugaredLogger) (*Writer, error) {
	if log == nil {
		log = logger.Nop()
	}
	w := &Writer{track: track, log: log}

	switch track.Kind {
	case domain.KindVideo:
		if track.Codec != "avc1" {
			return nil, pkgerrors.NewUnsupportedCodecError(track.CodecString)
		}
	case domain.KindAudio:
		switch track.Codec {
		case "mp4a":
			w.audioObjectType = 0x40
		case "mp3":
			w.audioObjectType = 0x69
		default:
			return nil, pkgerrors.NewUnsupportedCodecError(track.CodecString)
		}
	default:
		return nil, pkgerrors.NewUnsupportedTrackTypeError(track.Kind.String())
	}
	return w, nil
}

// Init writes the initialization segment (ftyp + moov). When cp is set the
// sample entry is wrapped in the protection scheme and any PSSH boxes are
// appended after mvex.
func (w *Writer) Init(cp *domain.ProtectionEntry) ([]byte, error) {
	w.seq = 0

	b := &boxWriter{}

	b.begin("ftyp")
	b.raw([]byte("isom"))
	b.u32(0)
	b.raw([]byte("isom"))
	b.raw([]byte("cmfc"))
	b.raw([]byte("iso9"))
	b.raw([]byte("dash"))
	b.end()

	b.begin("moov")

	b.begin("mvhd")
	b.full(0, 0)
	b.u32(0) // creation
	b.u32(0) // modification
	b.u32(timescale)
	b.u32(0)          // duration
	b.u32(0x00010000) // rate
	b.u16(0x0100)     // volume
	b.zeros(10)
	b.matrix()
	b.zeros(24) // pre_defined
	b.u32(2)    // next track id
	b.end()

	b.begin("trak")

	b.begin("tkhd")
	b.full(0, 3) // enabled, in movie
	b.u32(0)
	b.u32(0)
	b.u32(1) // track id
	b.u32(0)
	b.u32(0) // duration
	b.zeros(8)
	b.u16(0) // layer
	b.u16(0) // alternate group
	if w.track.Kind == domain.KindAudio {
		b.u16(0x0100)
	} else {
		b.u16(0)
	}
	b.u16(0)
	b.matrix()
	if w.track.Kind == domain.KindVideo {
		b.u32(uint32(w.track.Resolution.Width) << 16)
		b.u32(uint32(w.track.Resolution.Height) << 16)
	} else {
		b.u32(0)
		b.u32(0)
	}
	b.end()

	b.begin("mdia")

	b.begin("mdhd")
	b.full(0, 0)
	b.u32(0)
	b.u32(0)
	b.u32(timescale)
	b.u32(0)
	b.u16(0x55C4) // und
	b.u16(0)
	b.end()

	b.begin("hdlr")
	b.full(0, 0)
	b.u32(0)
	if w.track.Kind == domain.KindVideo {
		b.raw([]byte("vide"))
	} else {
		b.raw([]byte("soun"))
	}
	b.zeros(12)
	if w.track.Kind == domain.KindVideo {
		b.raw([]byte("VideoHandler"))
	} else {
		b.raw([]byte("SoundHandler"))
	}
	b.u8(0)
	b.end()

	b.begin("minf")

	if w.track.Kind == domain.KindVideo {
		b.begin("vmhd")
		b.full(0, 1)
		b.zeros(8) // graphics mode + opcolor
		b.end()
	} else {
		b.begin("smhd")
		b.full(0, 0)
		b.u32(0) // balance + reserved
		b.end()
	}

	b.begin("dinf")
	b.begin("dref")
	b.full(0, 0)
	b.u32(1)
	b.begin("url ")
	b.full(0, 1) // data in same file
	b.end()
	b.end()
	b.end()

	b.begin("stbl")
	b.begin("stsd")
	b.full(0, 0)
	b.u32(1)
	if w.track.Kind == domain.KindVideo {
		w.videoSampleEntry(b, cp)
	} else {
		w.audioSampleEntry(b, cp)
	}
	b.end()
	b.begin("stts")
	b.full(0, 0)
	b.u32(0)
	b.end()
	b.begin("stsc")
	b.full(0, 0)
	b.u32(0)
	b.end()
	b.begin("stsz")
	b.full(0, 0)
	b.u32(0)
	b.u32(0)
	b.end()
	b.begin("stco")
	b.full(0, 0)
	b.u32(0)
	b.end()
	b.end() // stbl

	b.end() // minf
	b.end() // mdia
	b.end() // trak

	b.begin("mvex")
	b.begin("trex")
	b.full(0, 0)
	b.u32(1) // track id
	b.u32(1) // default sample description index
	b.u32(0)
	b.u32(0)
	b.u32(0)
	b.end()
	b.end()

	if cp != nil && len(cp.PSSH) > 0 {
		systems := make([]string, 0, len(cp.PSSH))
		for id := range cp.PSSH {
			systems = append(systems, id)
		}
		sort.Strings(systems)
		for _, id := range systems {
			box, err := base64.StdEncoding.DecodeString(cp.PSSH[id])
			if err != nil {
				return nil, pkgerrors.WrapError(err, pkgerrors.ErrCodeMalformedPayload, "cmaf: pssh box")
			}
			b.raw(box)
		}
	}

	b.end() // moov
	return b.buf, nil
}

func (w *Writer) videoSampleEntry(b *boxWriter, cp *domain.ProtectionEntry) {
	typ := "avc1"
	if cp != nil {
		typ = "encv"
	}
	b.begin(typ)
	b.zeros(24)
	b.u16(uint16(w.track.Resolution.Width))
	b.u16(uint16(w.track.Resolution.Height))
	b.u32(0x00480000) // 72 dpi
	b.u32(0x00480000)
	b.u32(0)
	b.u16(1)    // frame count
	b.zeros(32) // compressor name
	b.u16(0x0018)
	b.u16(0xFFFF) // default color table

	b.begin("avcC")
	b.raw(w.track.Config)
	b.end()

	if cp != nil {
		w.sinf(b, "avc1", cp)
	}
	b.end()
}

func (w *Writer) audioSampleEntry(b *boxWriter, cp *domain.ProtectionEntry) {
	typ := "mp4a"
	if cp != nil {
		typ = "enca"
	}
	b.begin(typ)
	b.zeros(16)
	b.u16(uint16(w.track.Channels))
	b.u16(16) // bits per sample
	b.u32(0)
	b.u32(uint32(w.track.Rate) << 16)

	// esds: ES descriptor with decoder config + decoder specific info.
	configLen := len(w.track.Config)
	dcdLen := 13 + 2 + configLen // decoder config + nested specific info header
	esdLen := 3 + 2 + dcdLen + 2 + 1

	b.begin("esds")
	b.full(0, 0)
	b.descriptor(0x03, esdLen)
	b.u16(0) // ES id
	b.u8(0)
	b.descriptor(0x04, dcdLen)
	b.u8(w.audioObjectType)
	b.u8(0x15) // audio stream
	b.u8(0)    // buffer size db (24 bit)
	b.u16(0)
	b.u32(uint32(w.track.Bandwidth) * 8) // max bitrate
	b.u32(uint32(w.track.Bandwidth) * 8) // avg bitrate
	b.descriptor(0x05, configLen)
	b.raw(w.track.Config)
	b.descriptor(0x06, 1)
	b.u8(0x02)
	b.end()

	if cp != nil {
		w.sinf(b, "mp4a", cp)
	}
	b.end()
}

// sinf wraps the original format with the protection scheme description.
func (w *Writer) sinf(b *boxWriter, originalFormat string, cp *domain.ProtectionEntry) {
	b.begin("sinf")

	b.begin("frma")
	b.raw([]byte(originalFormat))
	b.end()

	b.begin("schm")
	b.full(0, 0)
	b.raw([]byte(cp.Scheme))
	b.u32(0x00010000)
	b.end()

	b.begin("schi")
	b.begin("tenc")
	cbcs := cp.Scheme == "cbcs"
	if cbcs {
		b.full(1, 0)
	} else {
		b.full(0, 0)
	}
	b.u8(0)
	if cbcs && w.track.Kind == domain.KindVideo {
		b.u8(1<<4 | 9) // crypt:skip pattern
	} else {
		b.u8(0)
	}
	b.u8(1) // protected
	if cbcs {
		b.u8(0)
	} else {
		b.u8(16) // per-sample IV size
	}
	b.raw(hexBytes(cp.KID, 16))
	if cbcs {
		b.u8(16)
		b.raw(hexBytes(cp.IV, 16))
	}
	b.end()
	b.end()

	b.end()
}

// Write emits one fragment (moof + mdat) for the sample. Protection
// sidecars (saiz/saio/senc) are included when cp is set; saio is omitted
// for audio CBCS.
func (w *Writer) Write(sample *domain.Sample, cp *domain.ProtectionEntry) []byte {
	w.seq++

	b := &boxWriter{}

	var iv []byte
	cbcs := cp != nil && cp.Scheme == "cbcs"
	if cp != nil && !cbcs && len(cp.IV) == 32 {
		iv = hexBytes(cp.IV, 16)
	}
	sencInfoSize := len(iv)
	if len(sample.SubSamples) > 0 {
		sencInfoSize += 2 + 6*len(sample.SubSamples)
	}

	b.begin("moof")

	b.begin("mfhd")
	b.full(0, 0)
	b.u32(w.seq)
	b.end()

	b.begin("traf")

	b.begin("tfhd")
	b.full(0, 0x020002) // default-base-is-moof, sample-description-index
	b.u32(1)
	b.u32(1)
	b.end()

	b.begin("tfdt")
	b.full(1, 0)
	b.u64(sample.Time)
	b.end()

	b.begin("trun")
	b.full(0, 0x000F01) // data offset, duration, size, flags, composition offset
	b.u32(1)
	trunDataOffset := b.pos()
	b.u32(0) // patched after moof closes
	if sample.Duration > 0 {
		b.u32(uint32(sample.Duration))
	} else {
		b.u32(0)
	}
	b.u32(uint32(len(sample.Data)))
	if w.track.Kind == domain.KindAudio || sample.IsKeyFrame {
		b.u32(flagsSync)
	} else {
		b.u32(flagsNonSync)
	}
	b.u32(uint32(sample.CompositionOffset))
	b.end()

	saioOffset := -1
	sencData := -1
	if cp != nil {
		b.begin("saiz")
		b.full(0, 0)
		b.u8(byte(sencInfoSize))
		b.u32(1)
		b.end()

		if !(cbcs && w.track.Kind == domain.KindAudio) {
			b.begin("saio")
			b.full(0, 0)
			b.u32(1)
			saioOffset = b.pos()
			b.u32(0) // patched to the senc sample data offset
			b.end()
		}

		var sencFlags uint32
		if len(sample.SubSamples) > 0 {
			sencFlags = 0x000002
		}
		b.begin("senc")
		b.full(0, sencFlags)
		b.u32(1)
		sencData = b.pos()
		b.raw(iv)
		if len(sample.SubSamples) > 0 {
			b.u16(uint16(len(sample.SubSamples)))
			for _, ss := range sample.SubSamples {
				b.u16(ss.ClearBytes)
				b.u32(ss.EncryptedBytes)
			}
		}
		b.end()
	}

	b.end() // traf
	b.end() // moof

	moofSize := b.pos()
	b.patchU32(trunDataOffset, uint32(moofSize+8))
	if saioOffset >= 0 {
		b.patchU32(saioOffset, uint32(sencData))
	}

	b.begin("mdat")
	b.raw(sample.Data)
	b.end()

	return b.buf
}

// Sequence returns the sequence number of the last written fragment.
func (w *Writer) Sequence() uint32 {
	return w.seq
}

// hexBytes decodes a hex string to exactly n bytes, zero-padding short or
// invalid input.
func hexBytes(s string, n int) []byte {
	out := make([]byte, n)
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return out
	}
	copy(out, decoded)
	return out
}

// Factory returns a ports.FragmentWriterFactory backed by this writer.
func Factory(log *zap.SugaredLogger) ports.FragmentWriterFactory {
	return func(track *domain.Track) (ports.FragmentWriter, error) {
		return NewWriter(track, log)
	}
}
