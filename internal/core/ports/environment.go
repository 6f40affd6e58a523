package ports

import "wrts/internal/core/domain"

// Environment exposes host capabilities the player adapts to. The handle is
// injected at construction; there is no runtime platform detection in the
// core.
type Environment interface {
	// MaxResolution is the maximum display resolution; renditions above it
	// are never selected. Refreshed by the host on resize.
	MaxResolution() domain.Resolution
	// ManagedMediaSource reports whether the sink runs a managed media
	// source.
	ManagedMediaSource() bool
	// FixedPlaybackRate reports sinks that audibly glitch on rate changes;
	// the dynamic playback rate is suppressed for them.
	FixedPlaybackRate() bool
}

// StaticEnvironment is a fixed capability set.
type StaticEnvironment struct {
	Max          domain.Resolution
	Managed      bool
	NoRateChange bool
}

func (e *StaticEnvironment) MaxResolution() domain.Resolution { return e.Max }
func (e *StaticEnvironment) ManagedMediaSource() bool         { return e.Managed }
func (e *StaticEnvironment) FixedPlaybackRate() bool          { return e.NoRateChange }
