package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/l4mesh/relayd/internal/errors"
)

// WebSocket is a Transport that frames the relayed stream as WebSocket
// binary messages, grounded on the teacher's
// transport/internet/websocket/connection.go wrapper of *websocket.Conn
// into a net.Conn.
type WebSocket struct {
	// Path is the HTTP path the accept side expects the upgrade request on.
	Path string
	// DialURL is the ws:// or wss:// URL the dial side connects to.
	DialURL string
	// HandshakeTimeout bounds both the accept-side upgrade and the
	// dial-side handshake.
	HandshakeTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept performs the server-side WebSocket upgrade over raw, which must
// already look like the start of an HTTP request on Path. The request is
// read through a bufio.Reader local to Accept, so raw must carry nothing
// after the request until the upgrade response has been sent; any such
// bytes are discarded with that reader.
func (w *WebSocket) Accept(ctx context.Context, raw net.Conn) (net.Conn, error) {
	if w.HandshakeTimeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(w.HandshakeTimeout))
		defer raw.SetDeadline(time.Time{})
	}

	reader := bufio.NewReader(raw)
	req, err := http.ReadRequest(reader)
	if err != nil {
		return nil, errors.New("transport: websocket accept: failed to read upgrade request").Base(err)
	}
	if w.Path != "" && req.URL.Path != w.Path {
		return nil, errors.New("transport: websocket accept: unexpected request path ", req.URL.Path)
	}

	respWriter := &rawResponseWriter{conn: raw, header: make(http.Header)}
	wsConn, err := upgrader.Upgrade(respWriter, req, nil)
	if err != nil {
		return nil, errors.New("transport: websocket accept: upgrade failed").Base(err)
	}

	return newWSConn(wsConn, raw.RemoteAddr()), nil
}

// Dial performs the client-side WebSocket handshake over raw.
func (w *WebSocket) Dial(ctx context.Context, raw net.Conn) (net.Conn, error) {
	dialer := websocket.Dialer{
		NetDial: func(network, addr string) (net.Conn, error) {
			return raw, nil
		},
		HandshakeTimeout: w.HandshakeTimeout,
	}
	wsConn, _, err := dialer.DialContext(ctx, w.DialURL, nil)
	if err != nil {
		return nil, errors.New("transport: websocket dial: handshake failed").Base(err)
	}
	return newWSConn(wsConn, raw.RemoteAddr()), nil
}

// wsConn adapts a *websocket.Conn to net.Conn by framing every Write as one
// binary message and flattening reads across message boundaries.
type wsConn struct {
	conn       *websocket.Conn
	reader     io.Reader
	remoteAddr net.Addr
}

func newWSConn(conn *websocket.Conn, remoteAddr net.Addr) *wsConn {
	return &wsConn{conn: conn, remoteAddr: remoteAddr}
}

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			_, reader, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			c.reader = reader
		}

		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(5*time.Second))
	return c.conn.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// rawResponseWriter lets gorilla/websocket's Upgrader write its HTTP
// response (101 Switching Protocols) directly onto a raw net.Conn that
// wasn't obtained from net/http's server, which is what Upgrade requires
// via http.Hijacker.
type rawResponseWriter struct {
	conn        net.Conn
	header      http.Header
	wroteHeader bool
}

func (w *rawResponseWriter) Header() http.Header { return w.header }

func (w *rawResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(b)
}

func (w *rawResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
}

func (w *rawResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	brw := bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn))
	return w.conn, brw, nil
}
