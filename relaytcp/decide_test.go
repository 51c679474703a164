package relaytcp

import (
	"context"
	"net"
	"testing"

	"github.com/l4mesh/relayd/balancer"
	"github.com/l4mesh/relayd/endpoint"
	"github.com/l4mesh/relayd/hook"
)

func newTestPeekConn(t *testing.T) *peekConn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return newPeekConn(server, 0)
}

func TestDecideHookRejects(t *testing.T) {
	ep := &endpoint.Endpoint{
		Hook: hook.Func(func([]byte) int { return hook.RejectIndex }),
	}
	p := New(ep)

	_, rejected := p.decide(context.Background(), newTestPeekConn(t))
	if !rejected {
		t.Fatal("expected rejected=true")
	}
}

func TestDecideHookAloneIsAuthoritative(t *testing.T) {
	ep := &endpoint.Endpoint{
		Hook:     hook.Func(func([]byte) int { return 1 }),
		Balancer: balancer.StrategyOff,
		Weights:  []uint8{1},
	}
	p := New(ep)

	tok, rejected := p.decide(context.Background(), newTestPeekConn(t))
	if rejected {
		t.Fatal("expected rejected=false")
	}
	if tok != endpoint.PeerToken(1) {
		t.Fatalf("token = %d, want 1 (hook's own index)", tok)
	}
}

// TestDecideBalancerSelectsAmongHookAccepted covers the maintainer-flagged
// ordering bug: with both a hook and an explicitly configured balancer, an
// accepted flow's remote must come from the balancer, not the hook's index.
func TestDecideBalancerSelectsAmongHookAccepted(t *testing.T) {
	ep := &endpoint.Endpoint{
		Hook:     hook.Func(func([]byte) int { return 1 }),
		Balancer: balancer.StrategyRoundRobin,
		Weights:  []uint8{1, 1},
	}
	p := New(ep)

	tok, rejected := p.decide(context.Background(), newTestPeekConn(t))
	if rejected {
		t.Fatal("expected rejected=false")
	}
	if tok != endpoint.PeerToken(0) {
		t.Fatalf("token = %d, want 0 (balancer's first pick, not the hook's index 1)", tok)
	}
}
