package domain

import (
	"testing"
	"time"

	"wrts/pkg/utils"
)

func TestFix_SortsAndLinks(t *testing.T) {
	md := NewMetadata()
	md.Tracks[1] = &Track{ID: 1, Kind: KindVideo, Bandwidth: 100000}
	md.Tracks[2] = &Track{ID: 2, Kind: KindVideo, Bandwidth: 50000}
	md.Tracks[3] = &Track{ID: 3, Kind: KindVideo, Bandwidth: 25000}
	md.Tracks[4] = &Track{ID: 4, Kind: KindAudio, Bandwidth: 8000}

	md.Fix()

	if len(md.VideoTracks) != 3 || len(md.AudioTracks) != 1 {
		t.Fatalf("track split: %d video, %d audio", len(md.VideoTracks), len(md.AudioTracks))
	}
	if md.VideoTracks[0].ID != 1 || md.VideoTracks[1].ID != 2 || md.VideoTracks[2].ID != 3 {
		t.Errorf("video order: %d,%d,%d", md.VideoTracks[0].ID, md.VideoTracks[1].ID, md.VideoTracks[2].ID)
	}

	for _, tr := range md.VideoTracks {
		if tr.Up != nil {
			if tr.Up.Bandwidth < tr.Bandwidth {
				t.Errorf("track %d: up bandwidth %d < %d", tr.ID, tr.Up.Bandwidth, tr.Bandwidth)
			}
			if tr.Up.Down != tr {
				t.Errorf("track %d: up.Down != self", tr.ID)
			}
		}
		if tr.Down != nil {
			if tr.Down.Bandwidth > tr.Bandwidth {
				t.Errorf("track %d: down bandwidth %d > %d", tr.ID, tr.Down.Bandwidth, tr.Bandwidth)
			}
			if tr.Down.Up != tr {
				t.Errorf("track %d: down.Up != self", tr.ID)
			}
		}
	}
	if md.VideoTracks[0].Up != nil {
		t.Error("highest rendition must have no Up")
	}
	if md.VideoTracks[2].Down != nil {
		t.Error("lowest rendition must have no Down")
	}
	// Audio chain is independent of video.
	if md.AudioTracks[0].Up != nil || md.AudioTracks[0].Down != nil {
		t.Error("single audio track must be unlinked")
	}
}

func TestFix_DuplicateIDsKeepFirst(t *testing.T) {
	md := NewMetadata()
	first := &Track{ID: 7, Kind: KindVideo, Bandwidth: 100}
	md.VideoTracks = []*Track{first, {ID: 7, Kind: KindVideo, Bandwidth: 999}}

	md.Fix()

	if len(md.VideoTracks) != 1 || md.VideoTracks[0] != first {
		t.Errorf("duplicate id should keep the first occurrence")
	}
}

func TestFix_StableForEqualBandwidth(t *testing.T) {
	md := NewMetadata()
	a := &Track{ID: 1, Kind: KindVideo, Bandwidth: 100}
	b := &Track{ID: 2, Kind: KindVideo, Bandwidth: 100}
	md.VideoTracks = []*Track{a, b}

	md.Fix()

	if md.VideoTracks[0] != a || md.VideoTracks[1] != b {
		t.Error("stable sort must preserve input order for equal bandwidth")
	}
}

func TestLiveTime_WallAdvancing(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	now := base
	old := utils.Now
	utils.Now = func() time.Time { return now }
	defer func() { utils.Now = old }()

	md := NewMetadata()
	if md.LiveTime() != 0 {
		t.Errorf("LiveTime before anchor = %d, want 0", md.LiveTime())
	}

	md.SetLiveTime(5000)
	if md.LiveTime() != 5000 {
		t.Errorf("LiveTime = %d, want 5000", md.LiveTime())
	}

	now = base.Add(250 * time.Millisecond)
	if md.LiveTime() != 5250 {
		t.Errorf("LiveTime = %d, want 5250", md.LiveTime())
	}
}

func TestEnsureLiveTime(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	now := base
	old := utils.Now
	utils.Now = func() time.Time { return now }
	defer func() { utils.Now = old }()

	md := NewMetadata()
	md.SetLiveTime(1000)

	if corr := md.EnsureLiveTime(900); corr != 0 {
		t.Errorf("correction = %d, want 0", corr)
	}
	if corr := md.EnsureLiveTime(1500); corr != 500 {
		t.Errorf("correction = %d, want 500", corr)
	}
	if md.LiveTime() != 1500 {
		t.Errorf("LiveTime = %d, want 1500", md.LiveTime())
	}
}

func TestRewindLiveTime(t *testing.T) {
	base := time.UnixMilli(1_000_000)
	now := base
	old := utils.Now
	utils.Now = func() time.Time { return now }
	defer func() { utils.Now = old }()

	md := NewMetadata()
	md.SetLiveTime(3000)
	md.RewindLiveTime(1000)
	if md.LiveTime() != 2000 {
		t.Errorf("LiveTime = %d, want 2000", md.LiveTime())
	}

	md.RewindLiveTime(99999)
	if md.LiveTime() != 0 {
		t.Errorf("LiveTime = %d, want 0 after underflow rewind", md.LiveTime())
	}
}

func TestResolutionExceeds(t *testing.T) {
	r := Resolution{Width: 1920, Height: 1080}
	if r.Exceeds(Resolution{Width: 1920, Height: 1080}) {
		t.Error("equal resolution does not exceed")
	}
	if !r.Exceeds(Resolution{Width: 1280, Height: 720}) {
		t.Error("1080p exceeds 720p")
	}
	if r.Exceeds(Resolution{}) {
		t.Error("zero max never constrains")
	}
}
