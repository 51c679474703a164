//go:build !windows

package app

import (
	"strconv"
	"syscall"

	"github.com/l4mesh/relayd/internal/errors"
)

// BumpNoFile raises the process's open-file-descriptor limit, one of the
// daemonization/ulimit concerns spec §1 places outside the core engine but
// SPEC_FULL.md §C.3 still wires up as a small standalone CLI flag (-n),
// grounded on the original's realm_syscall/src/nofile.rs.
func BumpNoFile(n int) error {
	if n <= 0 {
		return nil
	}
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return errors.New("app: failed to read RLIMIT_NOFILE").Base(err)
	}
	rlimit.Cur = uint64(n)
	if rlimit.Cur > rlimit.Max {
		rlimit.Cur = rlimit.Max
	}
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return errors.New("app: failed to raise RLIMIT_NOFILE to ", strconv.Itoa(n)).Base(err)
	}
	return nil
}
