// Package bidicopy relays bytes between two net.Conns in both directions at
// once. It prefers the kernel-assisted Linux splice(2) path and falls back
// to a pooled userspace buffer when splice isn't available for the pair,
// mirroring the original relay's CopyBuffer/zero_copy split in
// realm_io/src/buf.rs and realm_io/src/linux/zero_copy.rs.
package bidicopy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	rerrors "github.com/l4mesh/relayd/internal/errors"
)

// ErrWriteZero is returned when a write to the destination reports zero
// bytes written despite the source having more to send — the same signal
// the original treats as io::ErrorKind::WriteZero.
var ErrWriteZero = errors.New("bidicopy: write returned zero")

const defaultBufferSize = 8 * 1024

var bufSize atomic.Int64

func init() {
	bufSize.Store(defaultBufferSize)
}

// SetBufferSize sets the process-wide userspace buffer size used by every
// subsequent Copy/CopyWithOptions call (spec's buf_size() knob). It has no
// effect on copies already in flight. n <= 0 is ignored.
func SetBufferSize(n int) {
	if n > 0 {
		bufSize.Store(int64(n))
	}
}

var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, bufSize.Load())
		return &b
	},
}

// copyBuffer moves bytes from src to dst through a pooled buffer until src
// reports EOF, returning the number of bytes moved.
func copyBuffer(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	bufp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufp)
	if int64(len(*bufp)) != bufSize.Load() {
		*bufp = make([]byte, bufSize.Load())
	}
	buf := *bufp

	var amt int64
	for {
		if ctx.Err() != nil {
			return amt, ctx.Err()
		}

		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw > 0 {
				amt += int64(nw)
			}
			if ew != nil {
				return amt, ew
			}
			if nw == 0 {
				return amt, ErrWriteZero
			}
			if nw < nr {
				return amt, io.ErrShortWrite
			}
		}
		if er != nil {
			if er == io.EOF {
				return amt, nil
			}
			return amt, er
		}
	}
}

// halfClose shuts down the write side of conn if it supports it, so the peer
// observes EOF without the whole connection being torn down.
func halfClose(conn net.Conn) error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

func logCopyError(direction string, err error) {
	if err == nil {
		return
	}
	rerrors.LogDebugInner(context.Background(), err, "bidicopy: ", direction, " ended")
}
