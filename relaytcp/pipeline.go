// Package relaytcp implements the TCP accept→hook→balance→connect→
// proxy-header→relay pipeline for one endpoint, grounded on the original's
// realm_core/src/tcp/mod.rs and socket.rs control flow, in the idiom of the
// teacher's proxy/dokodemo/dokodemo.go accept-and-dispatch loop.
package relaytcp

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/l4mesh/relayd/balancer"
	"github.com/l4mesh/relayd/bidicopy"
	"github.com/l4mesh/relayd/dns"
	"github.com/l4mesh/relayd/endpoint"
	"github.com/l4mesh/relayd/internal/errors"
	"github.com/l4mesh/relayd/internal/xlog"
	"github.com/l4mesh/relayd/proxyproto"
	"github.com/l4mesh/relayd/socket"
)

// Pipeline runs the accept loop for one endpoint until its context is
// cancelled or the listener fails irrecoverably.
type Pipeline struct {
	ep   *endpoint.Endpoint
	bal  balancer.Balancer
	dial *socket.Dialer
}

// New builds a Pipeline for ep. ep is not copied; it must outlive the
// Pipeline.
func New(ep *endpoint.Endpoint) *Pipeline {
	dial := socket.NewDialer(ep.ConnOpts.SocketOptions())
	if ep.ConnOpts.SendThrough != nil {
		dial.LocalAddr = ep.ConnOpts.SendThrough
	}
	return &Pipeline{
		ep:   ep,
		bal:  balancer.New(ep.Balancer, weightsOrDefault(ep.Weights)),
		dial: dial,
	}
}

func weightsOrDefault(w []uint8) []uint8 {
	if len(w) == 0 {
		return []uint8{1}
	}
	return w
}

// Run binds the listener and serves flows until ctx is cancelled. A bind
// failure is returned immediately and is fatal to the endpoint runner, per
// the TCP pipeline's failure semantics.
func (p *Pipeline) Run(ctx context.Context) error {
	lc := p.dial.ListenConfig()
	ln, err := lc.Listen(ctx, "tcp", p.ep.ListenAddr)
	if err != nil {
		return errors.New("relaytcp: failed to bind ", p.ep.ListenAddr).Base(err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	errors.LogInfo(ctx, "relaytcp: listening on ", p.ep.ListenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			errors.LogWarningInner(ctx, err, "relaytcp: accept failed")
			continue
		}
		go p.serve(ctx, conn)
	}
}

// serve drives one accepted flow end to end. When a hook or PROXY-protocol
// parse runs, every read off the inbound connection — the hook's peek, the
// PROXY-protocol parse, and the relay copy itself — goes through the single
// peekConn created here, so no byte read ahead by one consumer is ever
// stranded from the next. When neither runs, the relay reads the raw
// connection directly.
func (p *Pipeline) serve(ctx context.Context, rawConn net.Conn) {
	defer rawConn.Close()

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	peekHint := 0
	if p.ep.Hook != nil {
		peekHint = p.ep.Hook.FirstPacketLen()
	}
	pc := newPeekConn(rawConn, peekHint)

	opts := p.ep.ConnOpts.Proxy
	var srcAddr, dstAddr net.Addr
	if opts.AcceptProxy {
		accepted, err := p.acceptProxyHeader(ctx, pc, opts)
		if err != nil {
			errors.LogWarningInner(ctx, err, "relaytcp: proxy-protocol parse failed")
			return
		}
		srcAddr, dstAddr = accepted.Source, accepted.Destination
	}

	// Hook and balancer decisions run on the stream after any PROXY header
	// has been consumed but before transport framing, matching the
	// original's pre-connect inspection point.
	remoteTok, rejected := p.decide(ctx, pc)
	if rejected {
		errors.LogInfo(ctx, "relaytcp: flow rejected by hook from ", rawConn.RemoteAddr())
		xlog.Record(&xlog.AccessMessage{
			From:   fmt.Sprint(rawConn.RemoteAddr()),
			Status: xlog.AccessRejected,
			Detail: "tcp flow rejected by hook",
		})
		return
	}

	var src net.Conn = pc
	if p.ep.Hook == nil && !opts.AcceptProxy {
		// Nothing has read through pc's buffer, so the raw connection is
		// relayed directly and stays eligible for splice.
		src = rawConn
	}
	if tr := p.ep.ConnOpts.AcceptTransport; tr != nil {
		framed, err := tr.Accept(ctx, src)
		if err != nil {
			errors.LogWarningInner(ctx, err, "relaytcp: transport accept failed")
			return
		}
		src = framed
	}

	remote, ok := p.ep.RemoteFor(remoteTok)
	if !ok {
		errors.LogWarning(ctx, "relaytcp: balancer/hook selected out-of-range remote, using primary")
		remote = p.ep.PrimaryRemote
	}

	outbound, err := p.connect(ctx, remote)
	if err != nil {
		errors.LogWarningInner(ctx, err, "relaytcp: failed to connect to ", remote)
		return
	}
	defer outbound.Close()

	if opts.SendProxy {
		if err := emitProxyHeader(outbound, opts, srcAddr, dstAddr, pc.RemoteAddr()); err != nil {
			errors.LogWarningInner(ctx, err, "relaytcp: failed to emit proxy-protocol header")
			return
		}
	}

	dst := outbound
	if tr := p.ep.ConnOpts.DialTransport; tr != nil {
		framed, err := tr.Dial(ctx, outbound)
		if err != nil {
			errors.LogWarningInner(ctx, err, "relaytcp: transport dial failed")
			return
		}
		dst = framed
	}

	xlog.Record(&xlog.AccessMessage{
		From:   fmt.Sprint(rawConn.RemoteAddr()),
		To:     fmt.Sprint(remote),
		Status: xlog.AccessAccepted,
		Detail: "tcp flow opened",
	})

	copyOpts := bidicopy.Options{ZeroCopy: p.ep.ConnOpts.ZeroCopy, Shutdown: bidicopy.ShutdownGraceful}
	result, err := bidicopy.CopyWithOptions(ctx, src, dst, copyOpts)
	if err != nil && !isBenignCopyError(err) {
		errors.LogDebugInner(ctx, err, "relaytcp: relay ended")
	}
	xlog.Record(&xlog.AccessMessage{
		From:   fmt.Sprint(rawConn.RemoteAddr()),
		To:     fmt.Sprint(remote),
		Status: xlog.AccessAccepted,
		Detail: fmt.Sprintf("tcp flow closed up=%d down=%d", result.AToB, result.BToA),
	})
}

func isBenignCopyError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, net.ErrClosed)
}

// decide runs the pre-connect hook (if any) and the balancer, implementing
// the normalized rule: the hook is authoritative for accept/reject, the
// balancer selects among accepted peers when a balancer is explicitly
// configured. With no balancer configured, the hook's own index is
// authoritative outright; with no hook configured, the balancer's token is
// authoritative outright.
func (p *Pipeline) decide(ctx context.Context, pc *peekConn) (endpoint.PeerToken, bool) {
	if p.ep.Hook != nil {
		n := p.ep.Hook.FirstPacketLen()
		var buf []byte
		if n > 0 {
			b, err := peekFull(pc, n)
			if err != nil {
				errors.LogWarningInner(ctx, err, "relaytcp: failed to peek for hook")
				return 0, true
			}
			buf = b
		}
		idx := p.ep.Hook.DecideRemoteIndex(buf)
		if idx < 0 {
			return 0, true
		}
		if p.ep.Balancer != balancer.StrategyOff {
			tok := p.bal.Next(remoteIP(pc))
			return endpoint.PeerToken(tok), false
		}
		return endpoint.PeerToken(idx), false
	}

	srcIP := remoteIP(pc)
	tok := p.bal.Next(srcIP)
	return endpoint.PeerToken(tok), false
}

// peekFull blocks, re-peeking, until exactly n bytes are available without
// consuming them, awaiting readiness between attempts instead of the
// original's unyielding busy loop.
func peekFull(pc *peekConn, n int) ([]byte, error) {
	for {
		b, err := pc.Peek(n)
		if err == nil {
			out := make([]byte, n)
			copy(out, b)
			return out, nil
		}
		if stderrors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		time.Sleep(time.Millisecond)
	}
}

func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

// connect resolves remote and tries each candidate address in order,
// applying the endpoint's bind/keepalive/fast-open options, until one
// connects or the candidates are exhausted.
func (p *Pipeline) connect(ctx context.Context, remote endpoint.RemoteAddress) (net.Conn, error) {
	addrs, err := resolveCandidates(ctx, remote)
	if err != nil {
		return nil, errors.New("relaytcp: resolve failed for ", remote).Base(err)
	}
	if len(addrs) == 0 {
		return nil, errors.New("relaytcp: no candidates for ", remote)
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if p.ep.ConnOpts.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, p.ep.ConnOpts.ConnectTimeout)
		defer cancel()
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := p.dial.DialContext(connectCtx, "tcp", addr.String())
		if err != nil {
			lastErr = err
			errors.LogDebugInner(ctx, err, "relaytcp: try next ip after ", addr)
			continue
		}
		return conn, nil
	}
	return nil, errors.New("relaytcp: all candidates exhausted").Base(lastErr)
}

func resolveCandidates(ctx context.Context, remote endpoint.RemoteAddress) ([]*net.TCPAddr, error) {
	if remote.IsResolved() {
		return []*net.TCPAddr{remote.Addr}, nil
	}

	ips, err := dns.Resolve(ctx, remote.Host)
	if err != nil {
		return nil, err
	}
	out := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.TCPAddr{IP: ip, Port: remote.Port})
	}
	return out, nil
}

// acceptProxyHeader parses and consumes an inbound PROXY header through pc's
// shared bufio.Reader, so the bytes after it remain available to the hook
// peek, any Transport, and the relay copy.
func (p *Pipeline) acceptProxyHeader(ctx context.Context, pc *peekConn, opts endpoint.ProxyOptions) (*proxyproto.Accepted, error) {
	if opts.AcceptProxyTimeout > 0 {
		_ = pc.Conn.SetReadDeadline(time.Now().Add(opts.AcceptProxyTimeout))
		defer pc.Conn.SetReadDeadline(time.Time{})
	}
	return proxyproto.AcceptReader(ctx, pc.r)
}

// emitProxyHeader writes an outbound PROXY header, using the addresses
// parsed off the inbound side if accept_proxy supplied them, else the real
// peer address.
func emitProxyHeader(dst net.Conn, opts endpoint.ProxyOptions, srcAddr, dstAddr net.Addr, realPeer net.Addr) error {
	if srcAddr == nil {
		srcAddr = realPeer
	}
	if dstAddr == nil {
		dstAddr = zeroAddrLike(srcAddr)
	}

	version := proxyproto.V1
	if opts.SendProxyVersion == 2 {
		version = proxyproto.V2
	}
	return proxyproto.Emit(dst, version, srcAddr, dstAddr)
}

func zeroAddrLike(addr net.Addr) net.Addr {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok && tcpAddr.IP.To4() == nil {
		return &net.TCPAddr{IP: net.IPv6zero, Port: 0}
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}
