// Package hook defines the pre-connect inspection extension point: a pure
// query over the first few bytes of an inbound TCP stream that can reject
// the flow outright or steer it to a specific upstream before anything is
// dialed. The original loads a C-ABI dynamic library for this
// (realm_hook/src/pre_conn.rs); this module reshapes it as an in-process Go
// interface, one of the equally valid strategies for a pluggable
// inspection point.
package hook

// RejectIndex is returned by Hook.DecideRemoteIndex to reject a flow.
const RejectIndex = -1

// Hook inspects the first bytes of an inbound connection and decides which
// configured remote (if any) should receive it.
//
// Implementations must not consume or mutate buf; the bytes are a peek, not
// a read, and the pipeline still needs them in the stream for relaying.
type Hook interface {
	// FirstPacketLen reports how many bytes must be peeked from the inbound
	// stream before DecideRemoteIndex can be called. Zero means
	// DecideRemoteIndex is called immediately with an empty buffer.
	FirstPacketLen() int

	// DecideRemoteIndex returns RejectIndex to reject the flow, 0 to select
	// the primary remote, or k in [1, n] to select extra remote k-1.
	DecideRemoteIndex(buf []byte) int
}

// Func adapts a plain function to the Hook interface for hooks that don't
// need any peek bytes (FirstPacketLen always 0).
type Func func(buf []byte) int

// FirstPacketLen implements Hook.
func (Func) FirstPacketLen() int { return 0 }

// DecideRemoteIndex implements Hook.
func (f Func) DecideRemoteIndex(buf []byte) int { return f(buf) }

// Peeking wraps a Hook with an explicit peek length, for hooks that need
// bytes beyond the default of none.
type Peeking struct {
	Len    int
	Decide func(buf []byte) int
}

// FirstPacketLen implements Hook.
func (p Peeking) FirstPacketLen() int { return p.Len }

// DecideRemoteIndex implements Hook.
func (p Peeking) DecideRemoteIndex(buf []byte) int { return p.Decide(buf) }
