package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("request failed")

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          20 * time.Millisecond,
	}
}

func TestOpensAfterFailures(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errFail })
	}
	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open", cb.State())
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute while open = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(testConfig())

	_ = cb.Execute(func() error { return errFail })
	_ = cb.Execute(func() error { return errFail })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errFail })

	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errFail })
	}
	time.Sleep(25 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("State = %v, want half-open", cb.State())
	}

	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed after recovery", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errFail })
	}
	time.Sleep(25 * time.Millisecond)
	_ = cb.Execute(func() error { return errFail })

	if cb.State() != StateOpen {
		t.Errorf("State = %v, want open after half-open failure", cb.State())
	}
}
