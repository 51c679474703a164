package relayudp

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/l4mesh/relayd/endpoint"
)

// echoUDPServer replies "Pong Pong Pong" to every datagram it receives.
func echoUDPServer(t *testing.T, ln *net.UDPConn) {
	t.Helper()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, addr, err := ln.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_ = n
			if _, err := ln.WriteToUDP([]byte("Pong Pong Pong"), addr); err != nil {
				return
			}
		}
	}()
}

// TestTransparentUDPForwarding covers spec scenario E2: datagrams must be
// relayed byte-for-byte in both directions, and the client must observe
// the reply as coming from the listener's own address, not the outbound
// socket the relay opened toward the remote.
func TestTransparentUDPForwarding(t *testing.T) {
	remoteLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen remote: %v", err)
	}
	defer remoteLn.Close()
	echoUDPServer(t, remoteLn)

	ep := &endpoint.Endpoint{
		ListenAddr:    "127.0.0.1:0",
		PrimaryRemote: endpoint.RemoteAddress{Addr: remoteLn.LocalAddr().(*net.UDPAddr)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(ep)

	lc := p.dial.ListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", ep.ListenAddr)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	listenerAddr := pc.LocalAddr().(*net.UDPAddr)
	ep.ListenAddr = listenerAddr.String()
	pc.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	defer func() {
		cancel()
		<-done
	}()

	client, err := net.DialUDP("udp", nil, listenerAddr)
	if err != nil {
		t.Fatalf("dial client: %v", err)
	}
	defer client.Close()

	buf := make([]byte, 1500)
	for i := 0; i < 20; i++ {
		if _, err := client.Write([]byte("Ping Ping Ping")); err != nil {
			t.Fatalf("write round %d: %v", i, err)
		}
		if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		n, peer, err := client.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("read round %d: %v", i, err)
		}
		if !bytes.Equal(buf[:n], []byte("Pong Pong Pong")) {
			t.Fatalf("round %d: got %q", i, buf[:n])
		}
		if peer.String() != listenerAddr.String() {
			t.Fatalf("round %d: reply from %s, want listener address %s", i, peer, listenerAddr)
		}
	}
}
