package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/l4mesh/relayd/endpoint"
)

// TestRunnerLifecycle exercises the Stopped->Running->Stopped transitions
// (spec §4.8) end to end across a real loopback listener.
func TestRunnerLifecycle(t *testing.T) {
	remoteLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("remote listen: %v", err)
	}
	defer remoteLn.Close()
	go func() {
		for {
			c, err := remoteLn.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	remoteAddr := remoteLn.Addr().(*net.TCPAddr)
	ep := &endpoint.Endpoint{
		ListenAddr:    "127.0.0.1:0",
		PrimaryRemote: endpoint.RemoteAddress{Addr: remoteAddr},
	}

	r := New(ep)
	if status, _ := r.Status(); status != StatusStopped {
		t.Fatalf("new runner status = %v, want Stopped", status)
	}

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if status, _ := r.Status(); status != StatusRunning {
		t.Fatalf("status after Start = %v, want Running", status)
	}

	r.Stop()
	if status, _ := r.Status(); status != StatusStopped {
		t.Fatalf("status after Stop = %v, want Stopped", status)
	}
}

// TestRunnerBindFailureIsFailed verifies a listener-bind failure surfaces as
// an error from Start and leaves the runner in the Failed state, per spec
// §4.6/§4.7 "a listener-bind failure is fatal and crashes the endpoint
// runner".
func TestRunnerBindFailureIsFailed(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	ep := &endpoint.Endpoint{
		ListenAddr:    busy.Addr().String(),
		PrimaryRemote: endpoint.RemoteAddress{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}},
	}

	r := New(ep)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.Start(ctx); err == nil {
		t.Fatal("Start on an already-bound address should fail")
	}
	if status, _ := r.Status(); status != StatusFailed {
		t.Fatalf("status after failed Start = %v, want Failed", status)
	}
}
