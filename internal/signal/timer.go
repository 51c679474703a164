// Package signal holds small concurrency helpers shared across relayd,
// mirroring the teacher's common/signal package.
package signal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l4mesh/relayd/internal/task"
)

// ActivityUpdater is notified whenever its owner observes activity.
type ActivityUpdater interface {
	Update()
}

// ActivityTimer cancels its context after Timeout elapses without an Update call.
type ActivityTimer struct {
	mu        sync.RWMutex
	updated   chan struct{}
	checkTask *task.Periodic
	onTimeout func()
	consumed  atomic.Bool
	once      sync.Once
}

// Update marks the timer as having seen activity, resetting the countdown.
func (t *ActivityTimer) Update() {
	select {
	case t.updated <- struct{}{}:
	default:
	}
}

func (t *ActivityTimer) check() error {
	select {
	case <-t.updated:
	default:
		t.finish()
	}
	return nil
}

func (t *ActivityTimer) finish() {
	t.once.Do(func() {
		t.consumed.Store(true)
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.checkTask != nil {
			t.checkTask.Close()
		}
		t.onTimeout()
	})
}

// SetTimeout (re)arms the timer with the given idle timeout. A zero timeout
// fires immediately.
func (t *ActivityTimer) SetTimeout(timeout time.Duration) {
	if t.consumed.Load() {
		return
	}
	if timeout == 0 {
		t.finish()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed.Load() {
		return
	}

	newCheckTask := &task.Periodic{
		Interval: timeout,
		Execute:  t.check,
	}
	if t.checkTask != nil {
		t.checkTask.Close()
	}
	t.checkTask = newCheckTask
	t.Update()
	newCheckTask.Start()
}

// CancelAfterInactivity arms cancel to fire once timeout elapses without an Update.
func CancelAfterInactivity(ctx context.Context, cancel context.CancelFunc, timeout time.Duration) *ActivityTimer {
	timer := &ActivityTimer{
		updated:   make(chan struct{}, 1),
		onTimeout: cancel,
	}
	timer.SetTimeout(timeout)
	return timer
}
