package balancer

import (
	"fmt"
	"math"
	"net"
	"sort"
)

type ihNode struct {
	hash  uint32
	token int
}

// ipHash is a consistent-hash ring: each upstream gets weight*ratio+1
// virtual nodes placed by hashing "<vidx> 114514", and a source address is
// routed to the first virtual node whose hash is >= its own, wrapping to
// the start of the ring.
type ipHash struct {
	nodes []ihNode
	total int
}

func replicaRatio(weights []uint8) uint8 {
	const minReplica = 128

	max := weights[0]
	for _, w := range weights[1:] {
		if w > max {
			max = w
		}
	}
	if max >= minReplica {
		return 1
	}
	return uint8(math.Ceil(float64(minReplica) / float64(max)))
}

func newIPHash(weights []uint8) *ipHash {
	if len(weights) <= 1 {
		return &ipHash{total: len(weights)}
	}

	ratio := replicaRatio(weights)
	var nodes []ihNode
	for n, w := range weights {
		weight := int(w) * int(ratio)
		for vidx := 0; vidx <= weight; vidx++ {
			buf := []byte(fmt.Sprintf("%d 114514", vidx))
			nodes = append(nodes, ihNode{hash: chash(buf), token: n})
		}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].hash < nodes[j].hash })

	return &ipHash{nodes: nodes, total: len(weights)}
}

func (h *ipHash) Total() int { return h.total }

func (h *ipHash) Next(remote net.IP) int {
	if h.total <= 1 {
		return 0
	}

	var octets []byte
	if v4 := remote.To4(); v4 != nil {
		octets = v4
	} else {
		octets = remote.To16()
	}
	hash := chashForIP(octets)

	idx := sort.Search(len(h.nodes), func(i int) bool { return h.nodes[i].hash >= hash })
	if idx >= len(h.nodes) {
		idx = 0
	}
	return h.nodes[idx].token
}
