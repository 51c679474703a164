package bidicopy

import (
	"context"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Result reports how many bytes moved in each direction.
type Result struct {
	AToB int64
	BToA int64
}

// Shutdown selects how Copy retires once one direction finishes, per spec
// §4.5's "Shutdown policy is configurable" (Graceful is the default; see
// DESIGN.md's Open Questions).
type Shutdown int

const (
	// ShutdownGraceful waits for both directions to reach Done before
	// returning.
	ShutdownGraceful Shutdown = iota
	// ShutdownBrutal returns as soon as either direction finishes; the
	// other is allowed to be dropped without waiting for it to drain.
	ShutdownBrutal
)

// Options configures one Copy invocation.
type Options struct {
	// ZeroCopy enables the Linux splice(2) backend (spec's `zero_copy`
	// ConnectOption); false forces the userspace-buffer path on every
	// platform, and the flag is a no-op on non-Linux either way (spec §9:
	// "the zero_copy feature on non-Linux is silently a no-op").
	ZeroCopy bool
	Shutdown Shutdown
}

// Copy relays bytes between a and b until one side's read loop ends, then
// half-closes the other side and waits for it to drain, the way the
// original's bidi_copy_buf runs both transfer directions to completion
// before returning. Either direction's error stops the whole pair.
// Equivalent to CopyWithOptions(ctx, a, b, Options{ZeroCopy: true}).
func Copy(ctx context.Context, a, b net.Conn) (Result, error) {
	return CopyWithOptions(ctx, a, b, Options{ZeroCopy: true, Shutdown: ShutdownGraceful})
}

// CopyWithOptions is Copy with explicit zero-copy/shutdown policy.
func CopyWithOptions(ctx context.Context, a, b net.Conn, opts Options) (Result, error) {
	var aToB, bToA atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	g.Go(func() error {
		defer close(doneA)
		n, err := copyOneDirection(gctx, b, a, opts.ZeroCopy)
		aToB.Store(n)
		logCopyError("a->b", err)
		return err
	})
	g.Go(func() error {
		defer close(doneB)
		n, err := copyOneDirection(gctx, a, b, opts.ZeroCopy)
		bToA.Store(n)
		logCopyError("b->a", err)
		return err
	})

	if opts.Shutdown == ShutdownBrutal {
		select {
		case <-doneA:
		case <-doneB:
		}
		return Result{AToB: aToB.Load(), BToA: bToA.Load()}, nil
	}

	err := g.Wait()
	return Result{AToB: aToB.Load(), BToA: bToA.Load()}, err
}

// copyOneDirection moves bytes from src to dst, preferring splice (when
// zeroCopy is set) and falling back to a pooled userspace buffer when
// splice reports it cannot handle this particular connection pair (EINVAL
// on the first attempt, per splice(2) — e.g. one side isn't backed by a
// plain file descriptor) or when zeroCopy is false.
func copyOneDirection(ctx context.Context, dst, src net.Conn, zeroCopy bool) (int64, error) {
	if zeroCopy {
		n, err := trySplice(dst, src)
		if err != errSpliceUnsupported {
			_ = halfClose(dst)
			return n, err
		}
	}

	n, err := copyBuffer(ctx, dst, src)
	_ = halfClose(dst)
	return n, err
}
