package relayudp

import (
	"net"
	"sync"
)

// association is one SocketMap entry: the outbound socket opened for a
// source address. The send-back task spawned alongside it owns the
// entry's lifetime and removes it from the map on exit.
type association struct {
	conn *net.UDPConn
}

// SocketMap maps a client source address to its association, per
// original_source/realm_core/src/udp/sockmap.rs. At most one entry exists
// per source address; an entry is present iff a send-back task is running
// for it.
type SocketMap struct {
	mu      sync.RWMutex
	entries map[string]*association
}

// NewSocketMap returns an empty map.
func NewSocketMap() *SocketMap {
	return &SocketMap{entries: make(map[string]*association)}
}

func key(addr net.Addr) string { return addr.String() }

// findOrCreate returns the existing association for addr, or calls create
// to build one and registers it. create is called with the map's write
// lock held, matching the original's find_or_insert closure semantics
// (exactly one creation per address, no duplicate outbound sockets).
func (m *SocketMap) findOrCreate(addr net.Addr, create func() (*association, error)) (*association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(addr)
	if a, ok := m.entries[k]; ok {
		return a, nil
	}
	a, err := create()
	if err != nil {
		return nil, err
	}
	m.entries[k] = a
	return a, nil
}

// remove deletes the entry for addr, if present. Removal is idempotent:
// calling it twice for the same address is safe and only the first call
// has any effect, satisfying "removal happens exactly once" for the
// association's own lifecycle even if remove is invoked defensively.
func (m *SocketMap) remove(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(addr))
}
