package domain

import (
	"encoding/base64"
	"testing"
	"time"

	"wrts/pkg/utils"
)

const sampleManifest = `{
	"liveTime": 120000,
	"tracks": [
		{"id": 1, "type": "video", "codec": "avc1.64001f", "bandwidth": 100000,
		 "frameRate": 30, "resolution": {"width": 1280, "height": 720}, "config": "AWQAH//h"},
		{"id": 2, "type": "video", "codec": "avc1.42c00d", "bandwidth": 50000,
		 "frameRate": 30, "resolution": {"width": 640, "height": 360}},
		{"id": 3, "type": "audio", "codecDescription": "mp4a.40.2", "bandwidth": 8000,
		 "sampleRate": 48000, "channels": 2}
	],
	"sequence": {"pattern": "s/{trackId}/{sequenceId}.{ext}", "currentId": 100},
	"contentProtection": [
		{"scheme": "cenc", "kid": "00112233445566778899aabbccddeeff",
		 "iv": "ffeeddccbbaa99887766554433221100",
		 "pssh": {"edef8ba9-79d6-4ace-a3c8-27dcd51d21ed": "cHNzaA=="}}
	]
}`

func TestParseManifest(t *testing.T) {
	md, seq, err := ParseManifest([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	if seq == nil || seq.Pattern != "s/{trackId}/{sequenceId}.{ext}" || seq.CurrentID != 100 {
		t.Fatalf("sequence = %+v", seq)
	}

	if len(md.VideoTracks) != 2 || len(md.AudioTracks) != 1 {
		t.Fatalf("tracks: %d video, %d audio", len(md.VideoTracks), len(md.AudioTracks))
	}
	v := md.VideoTracks[0]
	if v.ID != 1 || v.Codec != "avc1" || v.CodecString != "avc1.64001f" {
		t.Errorf("top video track = %+v", v)
	}
	if v.Resolution.Width != 1280 || v.Resolution.Height != 720 {
		t.Errorf("resolution = %+v", v.Resolution)
	}
	wantCfg, _ := base64.StdEncoding.DecodeString("AWQAH//h")
	if string(v.Config) != string(wantCfg) {
		t.Errorf("config bytes mismatch")
	}
	if v.Down == nil || v.Down.ID != 2 {
		t.Errorf("rendition chain not linked")
	}

	a := md.AudioTracks[0]
	if a.Codec != "mp4a" || a.Rate != 48000 || a.Channels != 2 {
		t.Errorf("audio track = %+v", a)
	}

	cp := md.ContentProtection["00112233445566778899aabbccddeeff"]
	if cp == nil || cp.Scheme != "cenc" || cp.PSSH["edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"] != "cHNzaA==" {
		t.Errorf("content protection = %+v", cp)
	}

	if md.LiveTime() < 120000 {
		t.Errorf("LiveTime = %d, want >= 120000", md.LiveTime())
	}
}

func TestParseManifest_SecondsInference(t *testing.T) {
	fixed := time.UnixMilli(9_000_000)
	old := utils.Now
	utils.Now = func() time.Time { return fixed }
	defer func() { utils.Now = old }()

	md, _, err := ParseManifest([]byte(`{"currentTime": 12.5, "tracks": []}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if md.LiveTime() != 12500 {
		t.Errorf("LiveTime = %d, want 12500 (12.5 s)", md.LiveTime())
	}
}

func TestParseManifest_TrackCurrentTimeRaisesLive(t *testing.T) {
	fixed := time.UnixMilli(9_000_000)
	old := utils.Now
	utils.Now = func() time.Time { return fixed }
	defer func() { utils.Now = old }()

	body := `{"liveTime": 1000, "tracks": [
		{"id": 1, "type": "audio", "codec": "mp4a.40.2", "bandwidth": 1, "currentTime": 2500}
	]}`
	md, _, err := ParseManifest([]byte(body))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if md.LiveTime() != 2500 {
		t.Errorf("LiveTime = %d, want 2500", md.LiveTime())
	}
}

func TestParseManifest_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"unknown track type", `{"tracks": [{"id": 1, "type": "text", "codec": "wvtt"}]}`},
		{"missing codec", `{"tracks": [{"id": 1, "type": "video", "bandwidth": 1}]}`},
		{"bad config base64", `{"tracks": [{"id": 1, "type": "video", "codec": "avc1", "config": "!!"}]}`},
		{"pattern without sequenceId", `{"tracks": [], "sequence": {"pattern": "s/{trackId}.rts", "currentId": 1}}`},
	}
	for _, c := range cases {
		if _, _, err := ParseManifest([]byte(c.body)); err == nil {
			t.Errorf("%s: expected error", c.name)
		}
	}
}
