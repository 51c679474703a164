// Package transport defines relayd's optional pluggable framing layer: a
// Transport wraps the accept/connect sides of a flow in some other stream
// encoding (WebSocket, in this module). The relay's PROXY-protocol exchange
// and hook decision run on the unframed streams first; the copy loop then
// runs on top of the framed ones.
package transport

import (
	"context"
	"net"
)

// Transport turns a raw net.Conn into a framed net.Conn on both the
// accepting and dialing sides. A nil Transport means "no framing": flows
// use the raw connections as-is.
type Transport interface {
	// Accept upgrades an inbound raw connection into the framed stream.
	Accept(ctx context.Context, raw net.Conn) (net.Conn, error)
	// Dial upgrades an outbound raw connection into the framed stream.
	Dial(ctx context.Context, raw net.Conn) (net.Conn, error)
}
