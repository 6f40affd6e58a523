package services

import (
	"sync"
	"time"

	"wrts/pkg/utils"
)

const (
	adaptiveRetryStep = 3 * time.Second
	adaptiveRetryCap  = 30 * time.Second
)

// AdaptiveRetry rate-limits rendition-up probes. A probe is allowed once the
// current trial has been pending for tryDelay; successes shorten the delay,
// failures lengthen it.
type AdaptiveRetry struct {
	mu               sync.Mutex
	tryDelay         time.Duration
	appreciationTime time.Time // first time the current trial was considered
	success          bool
}

// NewAdaptiveRetry creates a gate at the initial delay.
func NewAdaptiveRetry() *AdaptiveRetry {
	return &AdaptiveRetry{tryDelay: adaptiveRetryStep}
}

// Try reports whether an up probe may be issued now.
func (a *AdaptiveRetry) Try() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := utils.Now()
	if a.appreciationTime.IsZero() {
		a.appreciationTime = now
	}
	if a.success {
		a.tryDelay -= adaptiveRetryStep
		if a.tryDelay < adaptiveRetryStep {
			a.tryDelay = adaptiveRetryStep
		}
	}
	if now.Sub(a.appreciationTime) < a.tryDelay {
		return false
	}
	a.success = true
	a.appreciationTime = time.Time{}
	return true
}

// Raise penalizes the gate after a failed switch attempt.
func (a *AdaptiveRetry) Raise() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.appreciationTime = time.Time{}
	if a.success {
		a.success = false
		a.tryDelay += adaptiveRetryStep
		if a.tryDelay > adaptiveRetryCap {
			a.tryDelay = adaptiveRetryCap
		}
	}
}

// Reset restores the initial state.
func (a *AdaptiveRetry) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tryDelay = adaptiveRetryStep
	a.success = false
	a.appreciationTime = time.Time{}
}
