package session

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// DefaultPerQuestion is the time budget granted for each question.
const DefaultPerQuestion = 120 * time.Second

// TimerDuration returns the total budget for a session with n questions.
func TimerDuration(n int, perQuestion time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * perQuestion
}

// Timer is a pausable countdown. onExpire runs at most once, and only while
// active reports true at the moment of expiry.
type Timer struct {
	clk      clock.Clock
	active   func() bool
	onExpire func()

	mu        sync.Mutex
	remaining time.Duration
	startedAt time.Time
	t         *clock.Timer
	gen       int
	running   bool
	done      bool
}

// NewTimer returns a stopped timer with budget d. A nil active guard always passes.
func NewTimer(clk clock.Clock, d time.Duration, active func() bool, onExpire func()) *Timer {
	if clk == nil {
		clk = clock.New()
	}
	return &Timer{clk: clk, remaining: d, active: active, onExpire: onExpire}
}

// Start begins or resumes the countdown. It does nothing once the timer has
// expired or been stopped.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running || t.done {
		return
	}
	t.running = true
	t.startedAt = t.clk.Now()
	t.gen++
	gen := t.gen
	t.t = t.clk.AfterFunc(t.remaining, func() { t.fire(gen) })
}

// Resume is Start under the name used when returning to a paused session.
func (t *Timer) Resume() { t.Start() }

// Pause freezes the countdown, keeping the remaining budget.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.halt()
	t.remaining = max(0, t.remaining-t.clk.Now().Sub(t.startedAt))
}

// Stop cancels the timer permanently.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.halt()
		t.remaining = max(0, t.remaining-t.clk.Now().Sub(t.startedAt))
	}
	t.done = true
}

// Remaining returns the time left on the countdown.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return t.remaining
	}
	return max(0, t.remaining-t.clk.Now().Sub(t.startedAt))
}

// Running reports whether the countdown is ticking.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Timer) halt() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.running = false
	t.gen++
}

func (t *Timer) fire(gen int) {
	t.mu.Lock()
	if gen != t.gen || !t.running || t.done {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.done = true
	t.remaining = 0
	t.t = nil
	t.mu.Unlock()

	if t.active != nil && !t.active() {
		return
	}
	if t.onExpire != nil {
		t.onExpire()
	}
}
