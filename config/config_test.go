package config

import (
	"testing"

	"github.com/l4mesh/relayd/balancer"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildAppliesGlobalNetworkDefaults(t *testing.T) {
	global := &NetworkConfig{
		UseUDP:         boolPtr(true),
		ConnectTimeout: 5,
	}
	ec := EndpointConfig{
		Listen:   "127.0.0.1:10000",
		Remote:   "127.0.0.1:20000",
		Balancer: "iphash",
		Weights:  []uint8{1, 2},
		Network: NetworkConfig{
			// NoTCP left unset; should fall through to global (also unset -> false).
			TCPKeepAlive: 30, // per-endpoint override of a field global doesn't set
		},
	}

	ep, err := Build(ec, global)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !ep.ConnOpts.UseUDP {
		t.Error("UseUDP should come from global default")
	}
	if ep.ConnOpts.ConnectTimeout.Seconds() != 5 {
		t.Errorf("ConnectTimeout = %v, want 5s from global default", ep.ConnOpts.ConnectTimeout)
	}
	if ep.ConnOpts.TCPKeepAlive.Seconds() != 30 {
		t.Errorf("TCPKeepAlive = %v, want 30s from per-endpoint field", ep.ConnOpts.TCPKeepAlive)
	}
	if ep.Balancer != balancer.StrategyIpHash {
		t.Errorf("Balancer = %v, want StrategyIpHash", ep.Balancer)
	}
}

func TestOverrideReplacesEndpointByListenAddr(t *testing.T) {
	base := &Config{
		Endpoints: []EndpointConfig{
			{Listen: "127.0.0.1:10000", Remote: "1.1.1.1:80"},
		},
	}
	override := &Config{
		Endpoints: []EndpointConfig{
			{Listen: "127.0.0.1:10000", Remote: "2.2.2.2:80"},
			{Listen: "127.0.0.1:10001", Remote: "3.3.3.3:80"},
		},
	}

	base.Override(override)
	if len(base.Endpoints) != 2 {
		t.Fatalf("got %d endpoints, want 2", len(base.Endpoints))
	}
	if base.Endpoints[0].Remote != "2.2.2.2:80" {
		t.Errorf("existing endpoint not overridden: %+v", base.Endpoints[0])
	}
	if base.Endpoints[1].Remote != "3.3.3.3:80" {
		t.Errorf("new endpoint not appended: %+v", base.Endpoints[1])
	}
}
