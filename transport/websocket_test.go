package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

// TestWebSocketRoundTrip drives Accept and Dial over a net.Pipe pair: no
// real TCP listener is involved, since Accept's Hijack and Dial's NetDial
// both just hand back the raw conn they were given.
func TestWebSocketRoundTrip(t *testing.T) {
	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	ws := &WebSocket{Path: "/ws", DialURL: "ws://example/ws", HandshakeTimeout: 5 * time.Second}

	type result struct {
		conn net.Conn
		err  error
	}
	serverCh := make(chan result, 1)
	clientCh := make(chan result, 1)

	go func() {
		c, err := ws.Accept(context.Background(), serverRaw)
		serverCh <- result{c, err}
	}()
	go func() {
		c, err := ws.Dial(context.Background(), clientRaw)
		clientCh <- result{c, err}
	}()

	sr := <-serverCh
	if sr.err != nil {
		t.Fatalf("Accept failed: %v", sr.err)
	}
	defer sr.conn.Close()

	cr := <-clientCh
	if cr.err != nil {
		t.Fatalf("Dial failed: %v", cr.err)
	}
	defer cr.conn.Close()

	const msg = "hello over websocket"
	done := make(chan error, 1)
	go func() {
		_, err := cr.conn.Write([]byte(msg))
		done <- err
	}()

	buf := make([]byte, len(msg))
	if _, err := readFull(sr.conn, buf); err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	if !bytes.Equal(buf, []byte(msg)) {
		t.Fatalf("got %q, want %q", buf, msg)
	}

	const reply = "and back again"
	done2 := make(chan error, 1)
	go func() {
		_, err := sr.conn.Write([]byte(reply))
		done2 <- err
	}()

	buf2 := make([]byte, len(reply))
	if _, err := readFull(cr.conn, buf2); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if err := <-done2; err != nil {
		t.Fatalf("server write failed: %v", err)
	}
	if !bytes.Equal(buf2, []byte(reply)) {
		t.Fatalf("got %q, want %q", buf2, reply)
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
