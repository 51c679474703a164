//go:build linux

package bidicopy

import (
	"errors"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// errSpliceUnsupported marks a connection pair that can't go through
// splice(2) at all — e.g. one side isn't a plain TCP socket — as opposed to
// a transient EAGAIN, which is retried. The original probes this by
// checking for EINVAL on the very first splice(2) call.
var errSpliceUnsupported = errors.New("bidicopy: splice unsupported for this connection pair")

// defaultPipeSize mirrors the original's pipe_ctl::DF_PIPE_SIZE default of
// 16 pages.
const defaultPipeSize = 16 * 4096

var pipeSize atomic.Int64

func init() {
	pipeSize.Store(defaultPipeSize)
}

// SetPipeSize sets the process-wide F_SETPIPE_SZ capacity requested for
// every subsequent relay pipe (spec's set_pipe_size(n) knob). n <= 0 is
// ignored.
func SetPipeSize(n int) {
	if n > 0 {
		pipeSize.Store(int64(n))
	}
}

type splicePipe struct {
	r, w int
}

func newSplicePipe() (*splicePipe, error) {
	fds, err := unix.Pipe2(nil, unix.O_NONBLOCK)
	if err != nil {
		return nil, err
	}
	p := &splicePipe{r: fds[0], w: fds[1]}

	if _, err := unix.FcntlInt(uintptr(p.w), unix.F_SETPIPE_SZ, int(pipeSize.Load())); err != nil {
		// Non-fatal: some kernels/cgroups cap pipe capacity below what we
		// asked for. Splicing still works at the smaller size.
		_ = err
	}
	return p, nil
}

func (p *splicePipe) Close() error {
	err1 := unix.Close(p.r)
	err2 := unix.Close(p.w)
	if err1 != nil {
		return err1
	}
	return err2
}

// trySplice relays src -> dst entirely through the kernel via an
// intermediate non-blocking pipe, returning errSpliceUnsupported the first
// time splice(2) reports EINVAL (meaning this pair can't use it at all).
func trySplice(dst, src net.Conn) (int64, error) {
	srcSC, ok := src.(syscall.Conn)
	if !ok {
		return 0, errSpliceUnsupported
	}
	dstSC, ok := dst.(syscall.Conn)
	if !ok {
		return 0, errSpliceUnsupported
	}

	srcRaw, err := srcSC.SyscallConn()
	if err != nil {
		return 0, errSpliceUnsupported
	}
	dstRaw, err := dstSC.SyscallConn()
	if err != nil {
		return 0, errSpliceUnsupported
	}

	pipe, err := newSplicePipe()
	if err != nil {
		return 0, errSpliceUnsupported
	}
	defer pipe.Close()

	var (
		amt       int64
		firstCall = true
		pending   int // bytes sitting in the pipe, read but not yet written out
		srcEOF    bool
	)

	for {
		if pending == 0 && !srcEOF {
			n, err := spliceInto(srcRaw, pipe.w)
			if err != nil {
				if firstCall && errors.Is(err, unix.EINVAL) {
					return amt, errSpliceUnsupported
				}
				return amt, err
			}
			firstCall = false
			if n == 0 {
				srcEOF = true
			} else {
				pending = n
			}
		}

		for pending > 0 {
			n, err := spliceFrom(pipe.r, dstRaw, pending)
			if err != nil {
				return amt, err
			}
			if n == 0 {
				return amt, ErrWriteZero
			}
			pending -= n
			amt += int64(n)
		}

		if srcEOF && pending == 0 {
			return amt, nil
		}
	}
}

func spliceInto(src syscall.RawConn, pipeWrite int) (int, error) {
	var n int
	var serr error
	err := src.Read(func(fd uintptr) bool {
		r, e := unix.Splice(int(fd), nil, pipeWrite, nil, 1<<20, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if e == unix.EAGAIN {
			return false
		}
		n, serr = int(r), e
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, serr
}

func spliceFrom(pipeRead int, dst syscall.RawConn, max int) (int, error) {
	var n int
	var serr error
	err := dst.Write(func(fd uintptr) bool {
		r, e := unix.Splice(pipeRead, nil, int(fd), nil, max, unix.SPLICE_F_MOVE|unix.SPLICE_F_NONBLOCK)
		if e == unix.EAGAIN {
			return false
		}
		n, serr = int(r), e
		return true
	})
	if err != nil {
		return 0, err
	}
	return n, serr
}
