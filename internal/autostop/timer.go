// Package autostop ends a monitoring session at a configured deadline.
package autostop

import (
	"sync"
	"time"

	logx "fotomator/pkg/logx"
)

// Timer holds at most one armed stop. Every Set cancels the previous one;
// a version counter makes a late callback from a replaced timer a no-op.
type Timer struct {
	mu       sync.Mutex
	ver      uint64
	timer    *time.Timer
	deadline time.Time

	onStop func(deadline time.Time)
	now    func() time.Time
	log    logx.Logger
}

// New returns a Timer that calls onStop once the armed deadline passes.
// onStop runs on its own goroutine.
func New(onStop func(deadline time.Time), log logx.Logger) *Timer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Timer{onStop: onStop, now: time.Now, log: log}
}

// Set replaces the deadline. A nil or past deadline only cancels the
// previous stop. It reports whether a stop is now armed.
func (t *Timer) Set(deadline *time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()

	if deadline == nil {
		return false
	}
	delay := deadline.Sub(t.now())
	if delay <= 0 {
		t.log.Debug("auto-stop deadline already passed; ignoring", logx.Time("deadline", *deadline))
		return false
	}

	ver := t.ver
	at := *deadline
	t.deadline = at
	t.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.ver != ver {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.deadline = time.Time{}
		t.ver++
		t.mu.Unlock()

		t.log.Info("auto-stop deadline reached", logx.Time("deadline", at))
		if t.onStop != nil {
			t.onStop(at)
		}
	})
	t.log.Info("auto-stop armed", logx.Time("deadline", at), logx.Duration("in", delay))
	return true
}

// Clear cancels any armed stop without firing it.
func (t *Timer) Clear() {
	t.mu.Lock()
	t.cancelLocked()
	t.mu.Unlock()
}

func (t *Timer) cancelLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.deadline = time.Time{}
	t.ver++
}

// Deadline returns the armed deadline, if any.
func (t *Timer) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, !t.deadline.IsZero()
}

// Subtitle is the text of the ongoing monitoring notice.
func (t *Timer) Subtitle() string {
	d, ok := t.Deadline()
	if !ok {
		return "Monitoring"
	}
	now := t.now()
	d = d.In(now.Location())
	if sameDay(d, now) {
		return "Monitoring until " + d.Format("15:04")
	}
	return "Monitoring until " + d.Format("Jan 2 15:04")
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
