// Package engine supervises one Endpoint's TCP and/or UDP pipelines as a
// single cancelable unit, and exposes the Running|Stopped|Failed lifecycle
// the control surface drives. Grounded on core/xray.go's Instance
// start/close pattern for the lifecycle shape, scaled from xray's
// reflection-based feature graph down to golang.org/x/sync/errgroup since
// an endpoint only ever supervises up to two loops (spec §4.8, §9 "Global
// singletons" strategy list).
package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l4mesh/relayd/endpoint"
	"github.com/l4mesh/relayd/internal/errors"
	"github.com/l4mesh/relayd/relaytcp"
	"github.com/l4mesh/relayd/relayudp"
)

// bindWindow is how long Start waits for the bind step to fail fast before
// reporting the endpoint as started.
const bindWindow = 50 * time.Millisecond

// Status mirrors spec §4.8's control-surface instance status.
type Status int

const (
	StatusStopped Status = iota
	StatusRunning
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusFailed:
		return "Failed"
	default:
		return "Stopped"
	}
}

// Runner supervises one Endpoint's pipelines. Safe for concurrent use; all
// public methods serialize through mu, matching the single-writer lifecycle
// the control surface needs (create/start/stop/restart never race each
// other for the same instance).
type Runner struct {
	ep *endpoint.Endpoint

	mu     sync.Mutex
	status Status
	errMsg string
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Runner for ep in the Stopped state. The caller must call
// Start to bind listeners and begin serving.
func New(ep *endpoint.Endpoint) *Runner {
	return &Runner{ep: ep, status: StatusStopped}
}

// Start binds the endpoint's configured listeners and begins serving,
// transitioning Stopped -> Running|Failed. Start on an already-Running
// Runner is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status == StatusRunning {
		r.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	if !r.ep.ConnOpts.NoTCP {
		tcp := relaytcp.New(r.ep)
		g.Go(func() error { return tcp.Run(gctx) })
	}
	if r.ep.ConnOpts.UseUDP {
		udp := relayudp.New(r.ep)
		g.Go(func() error { return udp.Run(gctx) })
	}

	// The bind step runs synchronously inside Run, so a bind failure on
	// either loop surfaces here before Start returns, per spec §4.6/§4.7
	// "a listener-bind failure is fatal and crashes the endpoint runner".
	bindErr := make(chan error, 1)
	go func() {
		err := g.Wait()
		bindErr <- err
		r.finish(err)
		close(done)
	}()

	select {
	case err := <-bindErr:
		if err != nil {
			r.mu.Lock()
			r.status = StatusFailed
			r.errMsg = err.Error()
			r.mu.Unlock()
			return errors.New("engine: endpoint failed to start on ", r.ep.ListenAddr).Base(err)
		}
		// Both loops exited immediately without error, which should not
		// happen for a healthy accept/receive loop; treat it as started.
		return nil
	case <-time.After(bindWindow):
		r.mu.Lock()
		r.status = StatusRunning
		r.mu.Unlock()
		return nil
	}
}

func (r *Runner) finish(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == StatusStopped {
		// Stop() already transitioned us; don't clobber with Failed.
		return
	}
	if err != nil {
		r.status = StatusFailed
		r.errMsg = err.Error()
	} else {
		r.status = StatusStopped
	}
}

// Stop cancels the endpoint's pipelines and waits for them to return,
// transitioning Running -> Stopped. Stop on a non-Running Runner is a no-op.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.status != StatusRunning {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	done := r.done
	r.status = StatusStopped
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Restart stops then starts the endpoint atomically from the caller's
// perspective, per spec §4.8's update/restart contract.
func (r *Runner) Restart(ctx context.Context) error {
	r.Stop()
	return r.Start(ctx)
}

// Status reports the runner's current lifecycle state and, when Failed, the
// error message that caused it.
func (r *Runner) Status() (Status, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.errMsg
}
