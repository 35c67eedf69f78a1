package ble

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestReadResultUnknownUntilRead(t *testing.T) {
	r := NewAdvertisementReadResult(BackoffPolicy{Now: newFakeClock().Now})
	if got := r.EvaluateRetryStatus(); got != RetryStatusUnknown {
		t.Errorf("Expected UNKNOWN, got %s", got)
	}
	if got := r.EvaluateRetryStatus(); got != RetryStatusUnknown {
		t.Errorf("Expected evaluating twice to stay UNKNOWN, got %s", got)
	}
}

func TestReadResultBackoffGrowsAndCaps(t *testing.T) {
	clock := newFakeClock()
	r := NewAdvertisementReadResult(BackoffPolicy{
		Initial: 10 * time.Second,
		Max:     35 * time.Second,
		Now:     clock.Now,
	})

	want := []time.Duration{10 * time.Second, 20 * time.Second, 35 * time.Second, 35 * time.Second}
	for i, backoff := range want {
		r.RecordLastReadStatus(false)
		if got := r.Backoff(); got != backoff {
			t.Fatalf("failure %d: expected backoff %v, got %v", i+1, backoff, got)
		}
		if got := r.EvaluateRetryStatus(); got != RetryStatusTooSoon {
			t.Errorf("failure %d: expected TOO_SOON right after failing, got %s", i+1, got)
		}
		clock.Advance(backoff - time.Second)
		if got := r.EvaluateRetryStatus(); got != RetryStatusTooSoon {
			t.Errorf("failure %d: expected TOO_SOON before backoff elapsed, got %s", i+1, got)
		}
		clock.Advance(time.Second)
		if got := r.EvaluateRetryStatus(); got != RetryStatusRetry {
			t.Errorf("failure %d: expected RETRY after backoff, got %s", i+1, got)
		}
	}
}

func TestReadResultSuccessWins(t *testing.T) {
	clock := newFakeClock()
	r := NewAdvertisementReadResult(BackoffPolicy{Now: clock.Now})
	r.RecordLastReadStatus(false)
	r.RecordLastReadStatus(false)
	r.RecordLastReadStatus(true)

	if got := r.EvaluateRetryStatus(); got != RetryStatusPreviouslySucceeded {
		t.Errorf("Expected PREVIOUSLY_SUCCEEDED, got %s", got)
	}
	if got := r.Backoff(); got != DefaultReadInitialBackoff {
		t.Errorf("Expected backoff reset to %v, got %v", DefaultReadInitialBackoff, got)
	}
}

func TestReadResultSlots(t *testing.T) {
	r := NewAdvertisementReadResult(BackoffPolicy{})
	r.AddAdvertisement(1, []byte("b"))
	r.AddAdvertisement(0, []byte("a"))
	r.AddAdvertisement(1, []byte("c"))

	advs := r.Advertisements()
	if len(advs) != 2 || string(advs[0]) != "a" || string(advs[1]) != "c" {
		t.Errorf("Expected [a c], got %q", advs)
	}
	if !r.HasAdvertisement(0) || r.HasAdvertisement(2) {
		t.Error("Expected slot 0 present and slot 2 absent")
	}
}

func TestLostEntityTracker(t *testing.T) {
	lt := NewLostEntityTracker[string]()
	lt.RecordFoundEntity("a")
	lt.RecordFoundEntity("b")
	if lost := lt.ComputeLostEntities(); len(lost) != 0 {
		t.Errorf("Expected nothing lost in the first period, got %v", lost)
	}

	lt.RecordFoundEntity("a")
	lost := lt.ComputeLostEntities()
	if len(lost) != 1 || lost[0] != "b" {
		t.Errorf("Expected [b] lost, got %v", lost)
	}

	if lost := lt.ComputeLostEntities(); len(lost) != 1 || lost[0] != "a" {
		t.Errorf("Expected [a] lost after an empty period, got %v", lost)
	}
}
