package domain

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Sequence describes the pull-based sequence addressing of a stream.
type Sequence struct {
	Pattern   string `json:"pattern"` // contains {trackId}, {sequenceId}, {ext}
	CurrentID int64  `json:"currentId"`
}

type manifestTrack struct {
	ID                uint32        `json:"id"`
	Type              string        `json:"type"`
	Codec             string        `json:"codec"`
	CodecDescription  string        `json:"codecDescription"`
	Bandwidth         int           `json:"bandwidth"` // bytes/s
	SampleRate        int           `json:"sampleRate"`
	FrameRate         float64       `json:"frameRate"`
	Channels          int           `json:"channels"`
	Resolution        *manifestSize `json:"resolution"`
	Config            string        `json:"config"` // base64
	ContentProtection string        `json:"contentProtection"`
	CurrentTime       json.Number   `json:"currentTime"`
}

type manifestSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type manifestProtection struct {
	Scheme string            `json:"scheme"`
	KID    string            `json:"kid"`
	IV     string            `json:"iv"`
	PSSH   map[string]string `json:"pssh"`
}

type manifest struct {
	LiveTime          json.Number          `json:"liveTime"`
	CurrentTime       json.Number          `json:"currentTime"`
	Tracks            []manifestTrack      `json:"tracks"`
	Sequence          *Sequence            `json:"sequence"`
	ContentProtection []manifestProtection `json:"contentProtection"`
}

// ParseManifest decodes a stream manifest into normalized Metadata plus the
// sequence addressing info (nil for streaming endpoints without one).
func ParseManifest(data []byte) (*Metadata, *Sequence, error) {
	var raw manifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("manifest: %w", err)
	}

	md := NewMetadata()

	live := raw.LiveTime
	if live == "" {
		live = raw.CurrentTime
	}
	var liveMillis uint64
	if live != "" {
		liveMillis = timeMillis(live)
	}

	for i := range raw.Tracks {
		mt := &raw.Tracks[i]
		t := &Track{
			ID:                mt.ID,
			Bandwidth:         mt.Bandwidth,
			Channels:          mt.Channels,
			ContentProtection: mt.ContentProtection,
		}
		switch mt.Type {
		case "audio":
			t.Kind = KindAudio
			t.Rate = mt.SampleRate
		case "video":
			t.Kind = KindVideo
			t.Rate = int(mt.FrameRate)
		case "data":
			t.Kind = KindData
		default:
			return nil, nil, fmt.Errorf("manifest: track %d has unknown type %q", mt.ID, mt.Type)
		}

		codec := mt.CodecDescription
		if codec == "" {
			codec = mt.Codec
		}
		if codec == "" && t.Kind != KindData {
			return nil, nil, fmt.Errorf("manifest: track %d has no codec", mt.ID)
		}
		t.CodecString = codec
		t.Codec = CodecFamily(codec)

		if mt.Resolution != nil {
			t.Resolution = Resolution{Width: mt.Resolution.Width, Height: mt.Resolution.Height}
		}
		if mt.Config != "" {
			cfg, err := base64.StdEncoding.DecodeString(mt.Config)
			if err != nil {
				return nil, nil, fmt.Errorf("manifest: track %d config: %w", mt.ID, err)
			}
			t.Config = cfg
		}
		if mt.CurrentTime != "" {
			if ct := timeMillis(mt.CurrentTime); ct > liveMillis {
				liveMillis = ct
			}
		}
		md.Tracks[t.ID] = t
	}

	for i := range raw.ContentProtection {
		cp := &raw.ContentProtection[i]
		if cp.KID == "" {
			continue
		}
		md.ContentProtection[cp.KID] = &ProtectionEntry{
			Scheme: cp.Scheme,
			KID:    cp.KID,
			IV:     cp.IV,
			PSSH:   cp.PSSH,
		}
	}

	md.Fix()
	if liveMillis > 0 {
		md.SetLiveTime(liveMillis)
	}

	if raw.Sequence != nil {
		if !strings.Contains(raw.Sequence.Pattern, "{sequenceId}") {
			return nil, nil, fmt.Errorf("manifest: sequence pattern %q lacks {sequenceId}", raw.Sequence.Pattern)
		}
	}
	return md, raw.Sequence, nil
}

// timeMillis interprets a manifest time value: a decimal point means
// seconds, otherwise milliseconds.
func timeMillis(n json.Number) uint64 {
	s := n.String()
	if strings.ContainsRune(s, '.') {
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return uint64(f * 1000)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
