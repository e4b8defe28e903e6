package raft

import (
	"sync"
	"time"
)

// cancellableTimer is a reusable, generation-counted schedule handle
// generalizing the teacher's electionTimeoutTimer + TrackElectionTimeoutJob
// pair (internal/raft/server/{server,jobs}.go) into a single type. Server
// uses it for the election timer only; heartbeats run on replicationLoop's
// ticker, and the session package has no timer. spec.md §5: "On role change, timers from the previous
// role MUST be cancelled before timers of the new role are scheduled" —
// Cancel bumps the generation so any already-in-flight fire() observes it
// was superseded and becomes a no-op, closing the race the teacher's bare
// timer.Stop() leaves open (Stop returning false after the timer has
// already fired but before its goroutine ran).
type cancellableTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func newCancellableTimer() *cancellableTimer {
	return &cancellableTimer{}
}

// Reset cancels any pending fire and schedules a new one after d.
func (t *cancellableTimer) Reset(d time.Duration, fire func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current := t.gen
		t.mu.Unlock()
		if current != gen {
			return
		}
		fire()
	})
}

// Cancel stops any pending fire and invalidates in-flight callbacks.
func (t *cancellableTimer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
}
