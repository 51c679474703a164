//go:build !linux

package bidicopy

import (
	"errors"
	"net"
)

// errSpliceUnsupported is always returned outside Linux: splice(2) and
// F_SETPIPE_SZ have no portable equivalent, so every pair falls back to the
// userspace buffer path.
var errSpliceUnsupported = errors.New("bidicopy: splice unsupported on this platform")

func trySplice(dst, src net.Conn) (int64, error) {
	return 0, errSpliceUnsupported
}

// SetPipeSize is a no-op outside Linux, which has no F_SETPIPE_SZ
// equivalent; kept so callers don't need a build-tag branch of their own.
func SetPipeSize(n int) {}
