package relayudp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/l4mesh/relayd/dns"
	"github.com/l4mesh/relayd/endpoint"
	ierrors "github.com/l4mesh/relayd/internal/errors"
	"github.com/l4mesh/relayd/internal/signal"
	"github.com/l4mesh/relayd/internal/xlog"
	"github.com/l4mesh/relayd/socket"
)

// Pipeline runs one endpoint's UDP associative relay until its context is
// cancelled. Grounded on original_source/realm_core/src/udp/mod.rs's
// run_udp outer retry loop and middle.rs's associate_and_relay/send_back.
type Pipeline struct {
	ep   *endpoint.Endpoint
	dial *socket.Dialer
}

// New builds a Pipeline for ep. ep is not copied; it must outlive the
// Pipeline.
func New(ep *endpoint.Endpoint) *Pipeline {
	return &Pipeline{ep: ep, dial: socket.NewDialer(ep.ConnOpts.SocketOptions())}
}

// Run binds the UDP listener and relays associations until ctx is
// cancelled. A bind failure is fatal to the endpoint runner, matching the
// TCP pipeline's failure semantics.
func (p *Pipeline) Run(ctx context.Context) error {
	lc := p.dial.ListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", p.ep.ListenAddr)
	if err != nil {
		return ierrors.New("relayudp: failed to bind ", p.ep.ListenAddr).Base(err)
	}
	ln, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return ierrors.New("relayudp: listener is not a UDP socket")
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	ierrors.LogInfo(ctx, "relayudp: listening on ", p.ep.ListenAddr)

	sockmap := NewSocketMap()
	registry := NewRegistry(MaxPackets)

	for {
		if _, err := recvBatch(ln, registry); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			ierrors.LogWarningInner(ctx, err, "relayudp: batched receive failed")
			continue
		}
		ierrors.LogDebug(ctx, "relayudp: entry batched recv[", registry.Count(), "]")

		raddr, err := p.resolvePrimary(ctx)
		if err != nil {
			ierrors.LogWarningInner(ctx, err, "relayudp: resolve failed for ", p.ep.PrimaryRemote)
			continue
		}

		registry.GroupByAddr()
		for _, grp := range registry.Groups() {
			if err := p.relayGroup(ctx, ln, sockmap, raddr, grp); err != nil {
				ierrors.LogWarningInner(ctx, err, "relayudp: failed to relay group")
			}
		}
	}
}

// resolvePrimary resolves the endpoint's primary remote once per batch,
// matching the original's per-recv resolve_addr call.
func (p *Pipeline) resolvePrimary(ctx context.Context) (*net.UDPAddr, error) {
	remote := p.ep.PrimaryRemote
	if remote.IsResolved() {
		return &net.UDPAddr{IP: remote.Addr.IP, Port: remote.Addr.Port}, nil
	}
	ips, err := dns.Resolve(ctx, remote.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, ierrors.New("relayudp: no addresses for ", remote.Host)
	}
	return &net.UDPAddr{IP: ips[0], Port: remote.Port}, nil
}

// relayGroup looks up or creates the SocketMap entry for the group's
// source address, forwards the group's packets to raddr, and kicks off the
// send-back task on first creation.
func (p *Pipeline) relayGroup(ctx context.Context, ln *net.UDPConn, sockmap *SocketMap, raddr *net.UDPAddr, grp []packet) error {
	srcAddr := grp[0].addr

	assoc, err := sockmap.findOrCreate(srcAddr, func() (*association, error) {
		outConn, err := p.newOutboundSocket(ctx, raddr)
		if err != nil {
			return nil, err
		}
		a := &association{conn: outConn}
		go p.sendBack(ctx, ln, srcAddr, outConn, sockmap)
		ierrors.LogInfo(ctx, "relayudp: new association ", srcAddr, " => ", raddr)
		xlog.Record(&xlog.AccessMessage{
			From:   fmt.Sprint(srcAddr),
			To:     fmt.Sprint(raddr),
			Status: xlog.AccessAccepted,
			Detail: "udp association created",
		})
		return a, nil
	})
	if err != nil {
		return err
	}

	for i := range grp {
		grp[i].addr = raddr
	}
	return sendBatch(assoc.conn, grp)
}

// newOutboundSocket opens the association's upstream socket, bound per the
// endpoint's ConnectOptions but not connected to raddr, so send-back
// forwarding can target an arbitrary source address through the listener
// and this socket can batched-send to raddr explicitly.
func (p *Pipeline) newOutboundSocket(ctx context.Context, raddr *net.UDPAddr) (*net.UDPConn, error) {
	local := "0.0.0.0:0"
	if raddr.IP.To4() == nil {
		local = "[::]:0"
	}
	if p.ep.ConnOpts.SendThrough != nil {
		local = p.ep.ConnOpts.SendThrough.String()
	}

	pc, err := p.dial.ListenConfig().ListenPacket(ctx, "udp", local)
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, ierrors.New("relayudp: outbound socket is not UDP")
	}
	return conn, nil
}

// sendBack relays datagrams from the association's outbound socket back to
// srcAddr through the listener, until idle for AssociateTimeout (0 means
// never reap) or an unrecoverable error, then removes the SocketMap entry
// exactly once. Grounded on middle.rs's send_back, with idle-reap driven by
// an internal/signal.ActivityTimer the way the teacher's udp/dispatcher.go
// drives its own ray removal.
func (p *Pipeline) sendBack(ctx context.Context, ln *net.UDPConn, srcAddr net.Addr, outConn *net.UDPConn, sockmap *SocketMap) {
	defer func() {
		sockmap.remove(srcAddr)
		outConn.Close()
		ierrors.LogDebug(ctx, "relayudp: removed association for ", srcAddr)
		xlog.Record(&xlog.AccessMessage{
			From:   fmt.Sprint(srcAddr),
			To:     fmt.Sprint(outConn.LocalAddr()),
			Status: xlog.AccessAccepted,
			Detail: "udp association closed",
		})
	}()

	registry := NewRegistry(MaxPackets)
	timeout := p.ep.ConnOpts.AssociateTimeout

	// A zero timeout means "never reap" (spec), but ActivityTimer.SetTimeout
	// fires immediately on a zero duration, so the timer is only constructed
	// when a real threshold is configured.
	var timer *signal.ActivityTimer
	var reaped atomic.Bool
	if timeout > 0 {
		timer = signal.CancelAfterInactivity(ctx, func() {
			reaped.Store(true)
			outConn.Close()
		}, timeout)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		n, err := recvBatch(outConn, registry)
		if err != nil {
			if reaped.Load() {
				ierrors.LogDebug(ctx, "relayudp: rear recv idle timeout")
			} else if ctx.Err() == nil {
				ierrors.LogWarningInner(ctx, err, "relayudp: rear recv failed")
			}
			return
		}
		if timer != nil {
			timer.Update()
		}
		ierrors.LogDebug(ctx, "relayudp: rear batched recv[", n, "]")

		grp := registry.All()
		for i := range grp {
			grp[i].addr = srcAddr
		}
		if err := sendBatch(ln, grp); err != nil {
			ierrors.LogWarningInner(ctx, err, "relayudp: failed to send back to ", srcAddr)
			return
		}
	}
}
