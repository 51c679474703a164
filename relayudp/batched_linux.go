//go:build linux

package relayudp

import (
	"net"

	"golang.org/x/net/ipv4"
)

// recvBatch fills up to len(r.pkts) packets from conn via recvmmsg (wrapped
// by x/net/ipv4's ReadBatch), the idiomatic equivalent of the original's
// realm_io::mmsg::recv_mul_pkts.
func recvBatch(conn *net.UDPConn, r *Registry) (int, error) {
	pc := ipv4.NewPacketConn(conn)
	msgs := make([]ipv4.Message, len(r.pkts))
	for i := range msgs {
		msgs[i].Buffers = [][]byte{r.pkts[i].buf[:]}
	}

	n, err := pc.ReadBatch(msgs, 0)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		r.pkts[i].cursor = msgs[i].N
		r.pkts[i].addr = msgs[i].Addr
	}
	r.count = n
	return n, nil
}

// sendBatch sends every packet in pkts to its own addr via sendmmsg
// (x/net/ipv4's WriteBatch), matching the original's send_mul_pkts
// cursor-advancing retry loop for partial batches.
func sendBatch(conn *net.UDPConn, pkts []packet) error {
	if len(pkts) == 0 {
		return nil
	}
	pc := ipv4.NewPacketConn(conn)
	msgs := make([]ipv4.Message, len(pkts))
	for i := range pkts {
		msgs[i].Buffers = [][]byte{pkts[i].payload()}
		msgs[i].Addr = pkts[i].addr
	}

	cursor := 0
	for cursor < len(msgs) {
		n, err := pc.WriteBatch(msgs[cursor:], 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return net.ErrClosed
		}
		cursor += n
	}
	return nil
}
