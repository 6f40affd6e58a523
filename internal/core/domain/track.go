package domain

import "strings"

// Resolution is a video frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Exceeds reports whether the resolution is larger than max in either
// dimension. A zero max never constrains.
func (r Resolution) Exceeds(max Resolution) bool {
	if max.Width <= 0 || max.Height <= 0 {
		return false
	}
	return r.Width > max.Width || r.Height > max.Height
}

// Track describes one rendition of the stream. Same-kind tracks are linked
// by ascending bandwidth through Up/Down: Up.Bandwidth >= Bandwidth >=
// Down.Bandwidth, Up.Down == self and Down.Up == self.
type Track struct {
	ID                uint32
	Kind              TrackKind
	Codec             string // codec family, e.g. "avc1", "mp4a"
	CodecString       string // full RFC 6381 codec string
	Bandwidth         int    // bytes per second
	Rate              int    // sample rate (audio) or frame rate (video)
	Resolution        Resolution
	Channels          int
	Config            []byte // codec private data (avcC payload, AudioSpecificConfig)
	ContentProtection string // key id (hex) when the track is protected

	Up   *Track
	Down *Track
}

// CodecFamily extracts the family from a full codec string ("avc1.64001f"
// yields "avc1").
func CodecFamily(codec string) string {
	if i := strings.IndexByte(codec, '.'); i >= 0 {
		return codec[:i]
	}
	return codec
}
