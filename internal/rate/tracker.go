package rate

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the remote API call budget.
type Status struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
	Limited   bool
	Known     bool
}

// Tracker records the rate-limit metadata reported by the remote list API.
// All list endpoints share one budget. State lives for the process lifetime
// only; a restart resets to the optimistic default.
type Tracker struct {
	mu     sync.Mutex
	now    func() time.Time
	status Status
}

func NewTracker() *Tracker {
	return NewTrackerWithClock(func() time.Time { return time.Now().UTC() })
}

// NewTrackerWithClock injects the clock. Tests substitute a fake.
func NewTrackerWithClock(now func() time.Time) *Tracker {
	return &Tracker{now: now}
}

// CanCall reports whether a remote call may be issued. It returns false only
// while a recorded rate-limited response has a reset time in the future;
// unknown state is optimistic.
func (t *Tracker) CanCall() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Limited && t.now().Before(t.status.ResetAt) {
		return false
	}
	return true
}

// RecordResponse stores the budget metadata from a non-429 response. A
// response arriving after the recorded reset clears the limited flag.
func (t *Tracker) RecordResponse(remaining, limit int, resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Remaining = remaining
	t.status.Limit = limit
	t.status.ResetAt = resetAt
	t.status.Limited = false
	t.status.Known = true
}

// RecordRateLimited marks the budget exhausted until resetAt.
func (t *Tracker) RecordRateLimited(resetAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Remaining = 0
	t.status.ResetAt = resetAt
	t.status.Limited = true
	t.status.Known = true
}

func (t *Tracker) Snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	if s.Limited && !t.now().Before(s.ResetAt) {
		s.Limited = false
	}
	return s
}
