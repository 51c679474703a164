// Package balancer picks which upstream endpoint a new connection or
// association should be sent to. Two strategies are implemented: weighted
// round robin and IP-hash consistent hashing, the same pair the original
// relay offers.
package balancer

import "net"

// Strategy names the selectable load-balancing algorithms.
type Strategy int

const (
	// StrategyOff addresses a single upstream; Balancer.Next always returns 0.
	StrategyOff Strategy = iota
	// StrategyRoundRobin is smooth weighted round robin.
	StrategyRoundRobin
	// StrategyIpHash is consistent hashing keyed on the client source address.
	StrategyIpHash
)

// Balancer selects an upstream index out of a fixed, ordered set of weights
// given at construction time. remote is consulted only by IpHash.
type Balancer interface {
	// Next returns the index of the chosen upstream.
	Next(remote net.IP) int
	// Total returns the number of upstreams this balancer was built with.
	Total() int
}

// New builds a Balancer for strategy over the given per-upstream weights.
// weights must have at least one element; len(weights) <= 255.
func New(strategy Strategy, weights []uint8) Balancer {
	switch strategy {
	case StrategyIpHash:
		return newIPHash(weights)
	case StrategyRoundRobin:
		return newRoundRobin(weights)
	default:
		return offBalancer{total: len(weights)}
	}
}

// offBalancer implements StrategyOff: always the primary, regardless of
// context, per spec scenario E4.
type offBalancer struct {
	total int
}

func (o offBalancer) Next(net.IP) int { return 0 }
func (o offBalancer) Total() int      { return o.total }
