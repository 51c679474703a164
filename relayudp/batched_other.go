//go:build !linux

package relayudp

import "net"

// recvBatch on non-Linux platforms reads exactly one datagram per call,
// matching the original's common::recv_some fallback for builds without
// the batched-udp feature.
func recvBatch(conn *net.UDPConn, r *Registry) (int, error) {
	n, addr, err := conn.ReadFrom(r.pkts[0].buf[:])
	if err != nil {
		return 0, err
	}
	r.pkts[0].cursor = n
	r.pkts[0].addr = addr
	r.count = 1
	return 1, nil
}

// sendBatch iterates WriteTo per packet, matching the original's
// common::send_all fallback.
func sendBatch(conn *net.UDPConn, pkts []packet) error {
	for _, p := range pkts {
		if _, err := conn.WriteTo(p.payload(), p.addr); err != nil {
			return err
		}
	}
	return nil
}
