package services

import "wrts/internal/core/domain"

// Playing is the source's view of the playback side: buffer state, stall
// notifications and playhead telemetry. The Player implements it.
type Playing interface {
	State() domain.BufferState
	// Buffering reports whether the player is still filling towards its
	// middle threshold.
	Buffering() bool
	// BufferAmount is the buffered media ahead of the playhead, in ms.
	BufferAmount() int64
	// CurrentTimeMillis is the playhead position in stream time.
	CurrentTimeMillis() uint64
	// PlaybackRate is the current rendering rate.
	PlaybackRate() float64

	// SubscribeState and SubscribeStall register observers keyed by owner
	// for mass unsubscribe.
	SubscribeState(owner interface{}, fn func(domain.BufferState))
	SubscribeStall(owner interface{}, fn func())
	Unsubscribe(owner interface{})
}
