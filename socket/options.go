// Package socket configures the low-level options relayd's listeners and
// dialers need: SO_REUSEADDR/SO_REUSEPORT, TCP_FASTOPEN and keepalive
// tuning, and bind-to-interface. The wiring is grounded on the teacher's
// transport/internet/sockopt_linux.go and system_dialer.go/
// system_listener.go, down to reusing github.com/sagernet/sing's
// control.Func as the controller hook type threaded through
// net.Dialer.Control/net.ListenConfig.Control.
package socket

import (
	"context"
	"net"
	"time"

	"github.com/sagernet/sing/common/control"
)

// Options carries the tunable socket knobs relayd exposes per endpoint.
// Fields at their zero value are left at the OS default.
type Options struct {
	// ReusePort enables SO_REUSEPORT on listeners, letting several processes
	// (or several endpoints in this one) share a port.
	ReusePort bool

	// BindInterface binds the socket to a named interface (SO_BINDTODEVICE).
	BindInterface string

	// FastOpen enables TCP_FASTOPEN (listener) / TCP_FASTOPEN_CONNECT (dialer).
	FastOpen bool
	// FastOpenQueueLen is the TCP_FASTOPEN backlog passed to the kernel;
	// zero (or a negative value) means 256.
	FastOpenQueueLen int

	// TCPKeepAlive enables SO_KEEPALIVE with the given idle/interval/probe
	// tuning. Zero values leave the corresponding kernel default untouched.
	TCPKeepAlive         bool
	TCPKeepAliveIdle     time.Duration
	TCPKeepAliveInterval time.Duration
	// KeepaliveProbes is the number of unacknowledged probes sent before the
	// connection is declared dead (TCP_KEEPCNT).
	KeepaliveProbes int

	// Mark sets SO_MARK (Linux only, ignored elsewhere).
	Mark int
}

// Controller is relayd's name for sing's control.Func: a callback invoked on
// the raw file descriptor of a socket being created, before connect/listen.
type Controller = control.Func

// Dialer builds net.Conns with Options applied, for both TCP connects and
// UDP socket creation.
type Dialer struct {
	Options     Options
	Controllers []Controller

	// LocalAddr, if set, binds the outbound socket to this source address
	// (ConnectOptions.send_through in the spec), the same way the teacher's
	// system_dialer.go threads a bound source address into net.Dialer.
	LocalAddr net.Addr
}

// NewDialer builds a Dialer applying opts and any extra controllers.
func NewDialer(opts Options, extra ...Controller) *Dialer {
	return &Dialer{Options: opts, Controllers: append([]Controller(nil), extra...)}
}

// netDialer returns a stdlib *net.Dialer with Control wired to apply
// Options and every registered Controller.
func (d *Dialer) netDialer() *net.Dialer {
	nd := &net.Dialer{Timeout: 30 * time.Second}
	nd.Control = d.controlFunc()
	nd.LocalAddr = d.LocalAddr
	return nd
}

// DialContext dials network/address applying the configured socket options.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return d.netDialer().DialContext(ctx, network, address)
}

// ListenConfig returns a net.ListenConfig with Control wired the same way
// DialContext wires its dialer, for use by listeners.
func (d *Dialer) ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: d.controlFunc()}
}
