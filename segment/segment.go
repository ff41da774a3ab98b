// Package segment defines the application-visible payload unit exchanged
// over a Host: a reference-counted byte buffer plus delivery flags.
package segment

import "sync/atomic"

// Flag marks delivery properties of a Segment. Multiple flags combine with
// bitwise OR.
type Flag uint32

const (
	// FlagReliable requests retransmission until acknowledged.
	FlagReliable Flag = 1 << iota
	// FlagUnsequenced disables both ordering and reassembly-window checks.
	FlagUnsequenced
	// FlagNoAllocate tells the sender not to copy the payload; the caller
	// guarantees it stays alive until the Segment is sent.
	FlagNoAllocate
	// FlagUnreliableFragment marks a fragment of a larger unreliable send.
	FlagUnreliableFragment
	// FlagSent marks a segment as handed to the socket. The Host does not
	// set it.
	FlagSent
)

// Segment is a logically-immutable, reference-counted unit of application
// data. It is created by the sender (NewSegment) or assembled by the
// receiver out of fragments (NewReassembly); it is safe to share across the
// outgoing queues of multiple channels because nothing mutates its Data
// after creation, except the receiver's reassembly buffer prior to handing
// the Segment to the application.
type Segment struct {
	Data  []byte
	Flags Flag

	refs int32
}

// NewSegment copies data (unless FlagNoAllocate is set) into a new Segment
// with a single reference.
func NewSegment(data []byte, flags Flag) *Segment {
	buf := data
	if flags&FlagNoAllocate == 0 {
		buf = make([]byte, len(data))
		copy(buf, data)
	}
	return &Segment{Data: buf, Flags: flags, refs: 1}
}

// NewReassembly allocates an empty Segment of totalLength bytes for the
// receiver to fill in as fragments arrive.
func NewReassembly(totalLength int, flags Flag) *Segment {
	return &Segment{Data: make([]byte, totalLength), Flags: flags, refs: 1}
}

// HasFlag reports whether f is set.
func (s *Segment) HasFlag(f Flag) bool { return s.Flags&f != 0 }

// AddFlag sets f.
func (s *Segment) AddFlag(f Flag) { s.Flags |= f }

// Retain increments the reference count; call once per queue a Segment is
// placed on beyond its creator.
func (s *Segment) Retain() { atomic.AddInt32(&s.refs, 1) }

// Release decrements the reference count and reports whether this was the
// last reference (the Segment is now free to discard).
func (s *Segment) Release() bool {
	return atomic.AddInt32(&s.refs, -1) <= 0
}

// RefCount returns the current reference count, mainly for tests.
func (s *Segment) RefCount() int32 { return atomic.LoadInt32(&s.refs) }

// Len returns the length of the payload.
func (s *Segment) Len() int { return len(s.Data) }
