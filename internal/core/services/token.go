package services

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted marks a request cancelled through its token. Aborts are loop
// decisions, not failures; they never close the source.
var ErrAborted = errors.New("request aborted")

// requestToken is one independently cancellable in-flight request slot.
type requestToken struct {
	name string

	mu      sync.Mutex
	cancel  context.CancelFunc
	aborted bool
	active  bool
}

func newRequestToken(name string) *requestToken {
	return &requestToken{name: name}
}

// start binds the token to a new request context.
func (t *requestToken) start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	t.mu.Lock()
	t.cancel = cancel
	t.aborted = false
	t.active = true
	t.mu.Unlock()
	return ctx
}

// finish releases the slot, keeping the aborted mark for inspection.
func (t *requestToken) finish() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.active = false
	t.mu.Unlock()
}

// Abort cancels the in-flight request, if any.
func (t *requestToken) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	t.aborted = true
	if t.cancel != nil {
		t.cancel()
	}
}

// Aborted reports whether the last request on this token was aborted.
func (t *requestToken) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// clearAborted resets the abort mark before a new loop iteration.
func (t *requestToken) clearAborted() {
	t.mu.Lock()
	t.aborted = false
	t.mu.Unlock()
}

// fetchResult is one settled entry of the per-iteration await-all set.
type fetchResult struct {
	token     string
	status    int
	err       error
	aborted   bool
	completed bool // 2xx body fully consumed
}
