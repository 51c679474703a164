//go:build !linux

package socket

// applyOptions is a no-op stand-in on non-Linux platforms: SO_REUSEPORT,
// TCP_FASTOPEN and BindToDevice are all Linux-specific syscalls in the
// teacher's own sockopt_linux.go/sockopt_windows.go split.
func applyOptions(network string, fd uintptr, opts Options) error {
	return nil
}
