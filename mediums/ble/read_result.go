package ble

import (
	"sync"
	"time"
)

const (
	DefaultReadInitialBackoff = 30 * time.Second
	DefaultReadMaxBackoff     = 5 * time.Minute
	readBackoffMultiplier     = 2
)

type RetryStatus int

const (
	RetryStatusUnknown RetryStatus = iota
	RetryStatusRetry
	RetryStatusPreviouslySucceeded
	RetryStatusTooSoon
)

func (s RetryStatus) String() string {
	switch s {
	case RetryStatusRetry:
		return "RETRY"
	case RetryStatusPreviouslySucceeded:
		return "PREVIOUSLY_SUCCEEDED"
	case RetryStatusTooSoon:
		return "TOO_SOON"
	default:
		return "UNKNOWN"
	}
}

type readOutcome int

const (
	readUnknown readOutcome = iota
	readSuccess
	readFailure
)

// BackoffPolicy controls how AdvertisementReadResult spaces GATT retries.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (p BackoffPolicy) withDefaults() BackoffPolicy {
	if p.Initial <= 0 {
		p.Initial = DefaultReadInitialBackoff
	}
	if p.Max < p.Initial {
		p.Max = max(DefaultReadMaxBackoff, p.Initial)
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

// AdvertisementReadResult remembers the GATT slots read from one
// (peripheral, header) pair and whether reading again is worth it.
type AdvertisementReadResult struct {
	mu             sync.Mutex
	policy         BackoffPolicy
	advertisements map[int][]byte
	lastRead       time.Time
	backoff        time.Duration
	result         readOutcome
}

func NewAdvertisementReadResult(policy BackoffPolicy) *AdvertisementReadResult {
	policy = policy.withDefaults()
	return &AdvertisementReadResult{
		policy:         policy,
		advertisements: make(map[int][]byte),
		backoff:        policy.Initial,
	}
}

// AddAdvertisement stores the bytes read from slot, replacing any earlier
// read of the same slot.
func (r *AdvertisementReadResult) AddAdvertisement(slot int, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertisements[slot] = append([]byte(nil), b...)
}

func (r *AdvertisementReadResult) HasAdvertisement(slot int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.advertisements[slot]
	return ok
}

// Advertisements returns the slot payloads ordered by slot.
func (r *AdvertisementReadResult) Advertisements() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxSlot := -1
	for slot := range r.advertisements {
		maxSlot = max(maxSlot, slot)
	}
	out := make([][]byte, 0, len(r.advertisements))
	for slot := 0; slot <= maxSlot; slot++ {
		if b, ok := r.advertisements[slot]; ok {
			out = append(out, b)
		}
	}
	return out
}

// RecordLastReadStatus stamps the read time. Failure grows the backoff up
// to the policy maximum; success resets it.
func (r *AdvertisementReadResult) RecordLastReadStatus(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.result = readSuccess
		r.backoff = r.policy.Initial
	} else {
		// The first failure waits the initial backoff, later ones grow it.
		if r.result == readFailure {
			r.backoff = min(r.backoff*readBackoffMultiplier, r.policy.Max)
		}
		r.result = readFailure
	}
	r.lastRead = r.policy.Now()
}

// EvaluateRetryStatus does not change r.
func (r *AdvertisementReadResult) EvaluateRetryStatus() RetryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.result {
	case readSuccess:
		return RetryStatusPreviouslySucceeded
	case readFailure:
		if r.policy.Now().Sub(r.lastRead) < r.backoff {
			return RetryStatusTooSoon
		}
		return RetryStatusRetry
	default:
		return RetryStatusUnknown
	}
}

// Backoff is the wait applied after the most recent failure.
func (r *AdvertisementReadResult) Backoff() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backoff
}
