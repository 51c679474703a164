// Package task provides small runnable building blocks, mirroring the
// teacher's common/task package.
package task

import (
	"sync"
	"time"

	"github.com/l4mesh/relayd/internal/errors"
)

// Periodic is a task that re-runs Execute every Interval until Close is called.
type Periodic struct {
	Interval time.Duration
	Execute  func() error

	access  sync.Mutex
	timer   *time.Timer
	running bool
}

func (t *Periodic) hasClosed() bool {
	t.access.Lock()
	defer t.access.Unlock()
	return !t.running
}

func (t *Periodic) checkedExecute() {
	if t.hasClosed() {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errors.LogError(nil, "periodic task panic: ", r)
			}
		}()

		if err := t.Execute(); err != nil {
			errors.LogWarningInner(nil, err, "periodic task execution failed")
		}

		t.access.Lock()
		if t.running {
			t.timer = time.AfterFunc(t.Interval, t.checkedExecute)
		}
		t.access.Unlock()
	}()
}

// Start begins the periodic execution. It is a no-op if already running.
func (t *Periodic) Start() error {
	t.access.Lock()
	if t.running {
		t.access.Unlock()
		return nil
	}
	t.running = true
	t.access.Unlock()

	t.checkedExecute()
	return nil
}

// Close stops the periodic execution.
func (t *Periodic) Close() error {
	t.access.Lock()
	defer t.access.Unlock()

	t.running = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return nil
}
