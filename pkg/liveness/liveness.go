// Package liveness implements the one-shot, re-armable deadline used on both
// ends of the screen-sharing protocol to detect a silent peer.
package liveness

import (
	"errors"
	"sync"
	"time"
)

var ErrInvalidTimeout = errors.New("timeout must be positive")

// Timer calls onExpire once when it is not re-armed within timeout.
// A timer that expired or was disarmed stays idle until Arm is called again.
type Timer struct {
	mu       sync.Mutex
	timeout  time.Duration
	onExpire func()

	timer    *time.Timer
	gen      uint64
	armed    bool
	deadline time.Time
}

func New(timeout time.Duration, onExpire func()) (*Timer, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	if onExpire == nil {
		onExpire = func() {}
	}
	return &Timer{timeout: timeout, onExpire: onExpire}, nil
}

// Arm starts the countdown, restarting it if already running.
func (t *Timer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked()
}

// Rearm pushes the deadline forward. It does nothing and returns false when
// the timer is not armed, so a late heartbeat cannot revive an expired peer.
func (t *Timer) Rearm() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return false
	}
	t.armLocked()
	return true
}

// Disarm cancels a pending expiry.
func (t *Timer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.armed = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Timer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed
}

// Deadline returns the current expiry instant, zero when idle.
func (t *Timer) Deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.armed {
		return time.Time{}
	}
	return t.deadline
}

func (t *Timer) Timeout() time.Duration { return t.timeout }

func (t *Timer) armLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.armed = true
	t.deadline = time.Now().Add(t.timeout)
	t.timer = time.AfterFunc(t.timeout, func() { t.fire(gen) })
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if !t.armed || t.gen != gen {
		// superseded by a re-arm or disarm that raced the runtime timer
		t.mu.Unlock()
		return
	}
	t.armed = false
	t.timer = nil
	t.mu.Unlock()

	t.onExpire()
}
