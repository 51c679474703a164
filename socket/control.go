package socket

import (
	"syscall"

	"github.com/l4mesh/relayd/internal/errors"
)

// controlFunc returns the net.Dialer.Control/net.ListenConfig.Control callback
// that applies d.Options and runs every registered Controller, mirroring
// getControlFunc in the teacher's system_listener.go.
func (d *Dialer) controlFunc() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var applyErr error
		err := c.Control(func(fd uintptr) {
			for _, ctl := range d.Controllers {
				if err := ctl(network, address, c); err != nil {
					errors.LogWarningInner(nil, err, "socket: external controller failed")
				}
			}
			if err := applyOptions(network, fd, d.Options); err != nil {
				applyErr = err
			}
		})
		if err != nil {
			return err
		}
		return applyErr
	}
}
