package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := NewBreaker(2, time.Minute)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("Expected errBoom, got %v", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("Expected open, got %s", b.State())
	}

	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("Expected rejection without calling fn, got err=%v called=%v", err, called)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, 30*time.Second)
	b.now = func() time.Time { return now }

	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("Expected open, got %s", b.State())
	}

	now = now.Add(31 * time.Second)
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Expected probe to pass, got %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("Expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(3, 10*time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return errBoom })
	}
	now = now.Add(11 * time.Second)
	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateOpen {
		t.Errorf("Expected reopened after failed probe, got %s", b.State())
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(2, time.Minute)
	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errBoom })
	if b.State() != StateClosed {
		t.Errorf("Expected closed, got %s", b.State())
	}
}
