// Package endpoint defines the shared, read-only configuration a TCP or UDP
// pipeline runs against. It is grounded on the original's
// realm_core/src/endpoint.rs for the data shapes. The supervisor that
// starts/stops the pair of loops belonging to one configured listen address
// is engine.Runner, not part of this package.
package endpoint

import (
	"net"
	"strconv"
	"time"

	"github.com/l4mesh/relayd/balancer"
	"github.com/l4mesh/relayd/hook"
	"github.com/l4mesh/relayd/socket"
	"github.com/l4mesh/relayd/transport"
)

// RemoteAddress is either an already-resolved socket address or a
// (host, port) pair that must be looked up per connection attempt.
type RemoteAddress struct {
	Addr *net.TCPAddr // non-nil: pre-resolved, used as-is
	Host string       // used when Addr is nil
	Port int
}

// IsResolved reports whether Addr is already known, skipping DNS entirely.
func (r RemoteAddress) IsResolved() bool { return r.Addr != nil }

func (r RemoteAddress) String() string {
	if r.Addr != nil {
		return r.Addr.String()
	}
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ProxyOptions configures the PROXY-protocol sub-exchange of a flow.
type ProxyOptions struct {
	SendProxy          bool
	AcceptProxy        bool
	SendProxyVersion   int // 1 or 2
	AcceptProxyTimeout time.Duration
}

// ConnectOptions is flow-scoped configuration shared by every flow an
// endpoint spawns.
type ConnectOptions struct {
	ConnectTimeout   time.Duration
	AssociateTimeout time.Duration // UDP idle reap threshold; 0 = never

	SendThrough   *net.TCPAddr // optional source address to bind outbound socket to
	BindInterface string       // optional OS device name, Linux only

	TCPKeepAlive       time.Duration // 0 = disabled
	TCPKeepAliveProbes int

	UseUDP bool
	NoTCP  bool

	FastOpen         bool
	FastOpenQueueLen int
	ZeroCopy         bool

	// ReusePort enables SO_REUSEPORT on the listening socket, letting
	// several endpoints (or processes) share one listen address.
	ReusePort bool

	Proxy ProxyOptions

	// AcceptTransport frames the inbound, listener-accepted side of a flow.
	// DialTransport frames the outbound side dialed to the chosen remote.
	// Either may be nil, meaning "no framing" on that side.
	AcceptTransport transport.Transport
	DialTransport   transport.Transport
}

// SocketOptions returns the low-level socket knobs implied by these connect
// options, for use by socket.Dialer.
func (c ConnectOptions) SocketOptions() socket.Options {
	return socket.Options{
		ReusePort:            c.ReusePort,
		BindInterface:        c.BindInterface,
		FastOpen:             c.FastOpen,
		FastOpenQueueLen:     c.FastOpenQueueLen,
		TCPKeepAlive:         c.TCPKeepAlive > 0,
		TCPKeepAliveIdle:     c.TCPKeepAlive,
		TCPKeepAliveInterval: c.TCPKeepAlive,
		KeepaliveProbes:      c.TCPKeepAliveProbes,
	}
}

// PeerToken indexes into {primary, extras[0], extras[1], ...}; 0 is the
// primary remote. A negative token denotes "no decision" (rejected or use
// primary, depending on who returned it).
type PeerToken int

const (
	// PrimaryToken always selects Endpoint.PrimaryRemote.
	PrimaryToken PeerToken = 0
)

// Endpoint is one listen address paired with one primary remote (plus
// optional extras) and its options. Created at configuration time and
// read-only for the lifetime of its runner.
type Endpoint struct {
	ListenAddr string

	PrimaryRemote RemoteAddress
	ExtraRemotes  []RemoteAddress

	ConnOpts ConnectOptions

	Balancer balancer.Strategy
	Weights  []uint8

	Hook hook.Hook
}

// RemoteFor resolves a PeerToken to the RemoteAddress it names.
func (e *Endpoint) RemoteFor(tok PeerToken) (RemoteAddress, bool) {
	if tok == PrimaryToken {
		return e.PrimaryRemote, true
	}
	idx := int(tok) - 1
	if idx < 0 || idx >= len(e.ExtraRemotes) {
		return RemoteAddress{}, false
	}
	return e.ExtraRemotes[idx], true
}
