package relaytcp

import (
	"bufio"
	"net"
)

// peekConn wraps a freshly accepted net.Conn with a single bufio.Reader
// that the hook peek, the PROXY-protocol parse, and the relay's own reads
// all share whenever a hook or PROXY-protocol parse runs, so no buffered
// byte is ever stranded between those three consumers (a flow with neither
// relays the raw connection instead). It deliberately does not implement
// syscall.Conn:
// once any reads have gone through the bufio.Reader, splice can no longer
// see bytes sitting in that userspace buffer, so bidicopy's trySplice type
// assertion fails and the copy falls back to the userspace path — which is
// exactly the behavior a buffered peek requires.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

const minPeekBuffer = 4096

// newPeekConn wraps conn with a buffer large enough to Peek at least
// peekHint bytes (the hook's FirstPacketLen, if any) without overflowing
// bufio.Reader's fixed-size buffer.
func newPeekConn(conn net.Conn, peekHint int) *peekConn {
	size := minPeekBuffer
	if peekHint > size {
		size = peekHint
	}
	return &peekConn{Conn: conn, r: bufio.NewReaderSize(conn, size)}
}

func (c *peekConn) Read(b []byte) (int, error) { return c.r.Read(b) }

// Peek returns the next n bytes without consuming them.
func (c *peekConn) Peek(n int) ([]byte, error) { return c.r.Peek(n) }
