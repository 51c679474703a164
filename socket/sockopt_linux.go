//go:build linux

package socket

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/l4mesh/relayd/internal/errors"
)

func isTCP(network string) bool { return strings.HasPrefix(network, "tcp") }

// applyOptions is relayd's equivalent of the teacher's
// applyInboundSocketOptions/applyOutboundSocketOptions pair, collapsed into
// one function since relayd's listeners and dialers share one Options type.
func applyOptions(network string, fd uintptr, opts Options) error {
	if opts.ReusePort {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return errors.New("socket: failed to set SO_REUSEPORT").Base(err)
		}
	}
	if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
		return errors.New("socket: failed to set SO_REUSEADDR").Base(err)
	}

	if opts.BindInterface != "" {
		if err := syscall.BindToDevice(int(fd), opts.BindInterface); err != nil {
			return errors.New("socket: failed to bind to interface ", opts.BindInterface).Base(err)
		}
	}

	if opts.Mark != 0 {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_MARK, opts.Mark); err != nil {
			return errors.New("socket: failed to set SO_MARK").Base(err)
		}
	}

	if !isTCP(network) {
		return nil
	}

	if opts.FastOpen {
		queue := opts.FastOpenQueueLen
		if queue <= 0 {
			queue = 256
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_TCP, unix.TCP_FASTOPEN, queue); err != nil {
			return errors.New("socket: failed to set TCP_FASTOPEN").Base(err)
		}
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_TCP, unix.TCP_FASTOPEN_CONNECT, 1); err != nil {
			errors.LogDebugInner(nil, err, "socket: TCP_FASTOPEN_CONNECT not applicable")
		}
	}

	if opts.TCPKeepAlive {
		if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_KEEPALIVE, 1); err != nil {
			return errors.New("socket: failed to set SO_KEEPALIVE").Base(err)
		}
		if opts.TCPKeepAliveIdle > 0 {
			if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_KEEPIDLE, int(opts.TCPKeepAliveIdle.Seconds())); err != nil {
				return errors.New("socket: failed to set TCP_KEEPIDLE").Base(err)
			}
		}
		if opts.TCPKeepAliveInterval > 0 {
			if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_KEEPINTVL, int(opts.TCPKeepAliveInterval.Seconds())); err != nil {
				return errors.New("socket: failed to set TCP_KEEPINTVL").Base(err)
			}
		}
		if opts.KeepaliveProbes > 0 {
			if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, unix.TCP_KEEPCNT, opts.KeepaliveProbes); err != nil {
				return errors.New("socket: failed to set TCP_KEEPCNT").Base(err)
			}
		}
	}

	return nil
}
