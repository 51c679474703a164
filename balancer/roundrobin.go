package balancer

import (
	"net"
	"sync"

	"github.com/l4mesh/relayd/internal/dice"
)

type rrNode struct {
	cw     int16
	ew     uint8
	weight uint8
}

// roundRobin is smooth weighted round robin: each pick adds a node's
// effective weight to its current weight, the highest current weight wins
// and is debited by the sum of all effective weights.
type roundRobin struct {
	mu    sync.Mutex
	nodes []rrNode
	total int
}

func newRoundRobin(weights []uint8) *roundRobin {
	if len(weights) <= 1 {
		return &roundRobin{total: len(weights)}
	}

	nodes := make([]rrNode, len(weights))
	for i, w := range weights {
		nodes[i] = rrNode{ew: initialEffectiveWeight(w), weight: w}
	}
	return &roundRobin{nodes: nodes, total: len(weights)}
}

// initialEffectiveWeight starts a node up to one pick below its full weight,
// so concurrently-started endpoints sharing the same weights don't all pick
// their first few upstreams in lockstep. Weight-1 nodes are left untouched:
// nudging them would starve the node outright on a dice.Roll(2) of 1.
func initialEffectiveWeight(w uint8) uint8 {
	if w <= 1 {
		return w
	}
	return w - uint8(dice.Roll(2))
}

func (r *roundRobin) Total() int { return r.total }

func (r *roundRobin) Next(net.IP) int {
	if r.total <= 1 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var tw int16
	best := -1
	for i := range r.nodes {
		n := &r.nodes[i]
		tw += int16(n.ew)
		n.cw += int16(n.ew)

		if n.ew < n.weight {
			n.ew++
		}

		if best == -1 || n.cw > r.nodes[best].cw {
			best = i
		}
	}

	r.nodes[best].cw -= tw
	return best
}
