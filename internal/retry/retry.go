// Package retry holds the backoff policy and the cancellable scheduled task
// shared by the live connection and the unread store.
package retry

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Backoff computes exponential delays capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given 1-based attempt. Delays double per
// attempt until Max and then hold constant.
func (b Backoff) Delay(attempt int) time.Duration {
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	delay := b.Base
	if delay <= 0 {
		delay = time.Second
	}
	if delay >= maxDelay {
		return maxDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

const (
	taskPending = iota
	taskRunning
	taskStopped
)

// Task is a function scheduled on a clock. It can be stopped before it runs
// and awaited until it has either run to completion or been stopped.
type Task struct {
	timer *clock.Timer
	mu    sync.Mutex
	state int
	done  chan struct{}
}

// After schedules fn to run once d has elapsed on c.
func After(c clock.Clock, d time.Duration, fn func()) *Task {
	if d < 0 {
		d = 0
	}
	t := &Task{done: make(chan struct{})}
	t.timer = c.AfterFunc(d, func() {
		t.mu.Lock()
		if t.state != taskPending {
			t.mu.Unlock()
			return
		}
		t.state = taskRunning
		t.mu.Unlock()
		defer close(t.done)
		fn()
	})
	return t
}

// Stop cancels the task. It reports false when the task already started or
// was stopped before.
func (t *Task) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if t.state != taskPending {
		t.mu.Unlock()
		return false
	}
	t.state = taskStopped
	t.mu.Unlock()
	t.timer.Stop()
	close(t.done)
	return true
}

// Done is closed once the task has run or been stopped.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseRetryAfter understands both the delta-seconds and the HTTP-date form.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := ts.Sub(now)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

// Wait sleeps for delay on c unless ctx ends first.
func Wait(ctx context.Context, c clock.Clock, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := c.Timer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
