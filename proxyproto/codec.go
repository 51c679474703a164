// Package proxyproto implements the accept- and emit-side PROXY protocol
// handling relayd needs: peeking an inbound v1/v2 header off a freshly
// accepted connection, and writing one on the way out to the chosen
// upstream. Both directions are built on github.com/pires/go-proxyproto,
// the same library the teacher wraps its listeners with in
// transport/internet/system_listener.go.
package proxyproto

import (
	"bufio"
	"context"
	"io"
	"net"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"github.com/l4mesh/relayd/internal/errors"
)

// Version selects which wire format Emit writes.
type Version int

const (
	V1 Version = 1
	V2 Version = 2
)

// Accepted is the result of successfully peeling a PROXY header off an
// inbound connection.
type Accepted struct {
	// Source and Destination are the original endpoints the header claims.
	// Both are nil if the header carried no usable address (LOCAL command,
	// UNSPEC/UNIX address family), in which case the real connection
	// endpoints should be used instead.
	Source      net.Addr
	Destination net.Addr
}

// Accept reads and consumes a PROXY protocol header from conn, using at most
// timeout to see the full header arrive. It reads conn through a
// bufio.Reader local to this call, so any bytes that reader buffered past
// the header are discarded when Accept returns; they are not left in conn.
// AcceptReader is the variant for callers that keep reading afterwards.
func Accept(ctx context.Context, conn net.Conn, timeout time.Duration) (*Accepted, error) {
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	reader := bufio.NewReader(conn)
	return AcceptReader(ctx, reader)
}

// AcceptReader reads and consumes a PROXY protocol header from r. Callers
// that need to keep reading the connection afterwards (relayd does, for the
// hook peek and the relay itself) must reuse this same *bufio.Reader for
// every subsequent read — any bytes r has already buffered past the header
// boundary would otherwise be stranded.
func AcceptReader(ctx context.Context, r *bufio.Reader) (*Accepted, error) {
	header, err := proxyproto.Read(r)
	if err != nil {
		return nil, errors.New("proxyproto: failed to parse header").Base(err)
	}

	return decode(header), nil
}

func decode(header *proxyproto.Header) *Accepted {
	if header.Command == proxyproto.LOCAL {
		errors.LogInfo(context.Background(), "proxyproto: command=LOCAL, using real connection endpoints")
		return &Accepted{}
	}

	switch header.TransportProtocol {
	case proxyproto.TCPv4, proxyproto.TCPv6:
		// fall through to address extraction below
	case proxyproto.UDPv4, proxyproto.UDPv6:
		errors.LogInfo(context.Background(), "proxyproto: transport=DGRAM on a TCP accept, ignoring")
		return &Accepted{}
	default:
		errors.LogInfo(context.Background(), "proxyproto: transport=UNSPEC, ignoring")
		return &Accepted{}
	}

	if header.SourceAddr == nil || header.DestinationAddr == nil {
		errors.LogInfo(context.Background(), "proxyproto: address family UNSPEC/UNIX, ignoring")
		return &Accepted{}
	}

	errors.LogInfo(context.Background(), "proxyproto: accepted ", header.SourceAddr, " => ", header.DestinationAddr)
	return &Accepted{Source: header.SourceAddr, Destination: header.DestinationAddr}
}

// Emit writes a PROXY protocol header to w describing a connection from src
// to dst, in the requested version.
func Emit(w io.Writer, version Version, src, dst net.Addr) error {
	header := &proxyproto.Header{
		Version:           byte(version),
		Command:           proxyproto.PROXY,
		TransportProtocol: transportProtocolFor(src),
		SourceAddr:        src,
		DestinationAddr:   dst,
	}
	_, err := header.WriteTo(w)
	if err != nil {
		return errors.New("proxyproto: failed to write header").Base(err)
	}
	return nil
}

func transportProtocolFor(addr net.Addr) proxyproto.AddressFamilyAndProtocol {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if ok && tcpAddr.IP.To4() == nil {
		return proxyproto.TCPv6
	}
	return proxyproto.TCPv4
}
