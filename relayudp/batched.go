// Package relayudp implements the UDP associative relay: a batched receive
// loop on the listener socket, grouped by source address, one outbound
// socket and send-back task per source, and idle reaping of stale
// associations. Grounded on
// original_source/realm_core/src/udp/{batched,middle,sockmap,socket}.rs.
package relayudp

import "net"

// packetSize is the original's PACKET_SIZE: large enough for any UDP
// datagram a relay is expected to carry.
const packetSize = 1500

// MaxPackets bounds one batch, matching the original's MAX_PACKETS.
const MaxPackets = 128

// packet is one slot in a Registry: a fixed buffer, the peer address a
// receive filled in (or a send will target), and how many bytes of buf are
// valid.
type packet struct {
	buf    [packetSize]byte
	addr   net.Addr
	cursor int
}

func (p *packet) payload() []byte { return p.buf[:p.cursor] }

// group is a contiguous, same-address run of packets inside a Registry
// after groupByAddr has partitioned it.
type group struct {
	start, end int
}

// Registry owns a reusable, bounded batch of packets for one recv call, and
// the source-address partition computed over them afterwards.
type Registry struct {
	pkts   []packet
	groups []group
	count  int
}

// NewRegistry allocates a Registry of n packet slots. n must not exceed
// MaxPackets.
func NewRegistry(n int) *Registry {
	if n > MaxPackets {
		n = MaxPackets
	}
	return &Registry{pkts: make([]packet, n), groups: make([]group, 0, n)}
}

// Count reports how many packets the last receive filled.
func (r *Registry) Count() int { return r.count }

// GroupByAddr partitions the filled packets into contiguous same-address
// runs, reordering them in place. The partition is stable: groups appear in
// the order of their first packet, and each group preserves the relative
// order of the packets that belong to it.
func (r *Registry) GroupByAddr() {
	r.groups = r.groups[:0]
	data := r.pkts[:r.count]
	n := len(data)
	if n == 0 {
		return
	}

	beg, end := 0, 1
	for end < n {
		if sameAddr(data[end].addr, data[beg].addr) {
			end++
			continue
		}
		probe := end + 1
		for probe < n {
			if sameAddr(data[probe].addr, data[beg].addr) {
				// Shift data[end:probe] right by one instead of swapping, so
				// the packets left behind keep their receive order too.
				p := data[probe]
				copy(data[end+1:probe+1], data[end:probe])
				data[end] = p
				end++
			}
			probe++
		}
		r.groups = append(r.groups, group{beg, end})
		beg, end = end, end+1
	}
	r.groups = append(r.groups, group{beg, end})
}

func sameAddr(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.IP.Equal(ub.IP) && ua.Port == ub.Port && ua.Zone == ub.Zone
	}
	return a.String() == b.String()
}

// Groups returns the source-address partition computed by GroupByAddr, as
// slices into the Registry's own packet storage.
func (r *Registry) Groups() [][]packet {
	out := make([][]packet, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, r.pkts[g.start:g.end])
	}
	return out
}

// All returns every filled packet, in receive order.
func (r *Registry) All() []packet {
	return r.pkts[:r.count]
}
