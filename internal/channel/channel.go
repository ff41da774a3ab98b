// Package channel implements a peer's per-channel reliable/unreliable
// sequence bookkeeping and incoming reorder/reassembly queues (spec §4.2).
package channel

import (
	"github.com/pkg/errors"

	"github.com/rudpnet/rudp/internal/clock"
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

// ErrCantAllocate is returned when the reassembly buffer for a fragmented
// message cannot be grown (spec §7, AllocationFailed).
var ErrCantAllocate = errors.New("channel: cannot allocate reassembly buffer")

// Channel holds one peer's per-channel ordering and reassembly state.
type Channel struct {
	IncomingReliable   []*IncomingCommand
	IncomingUnreliable []*IncomingCommand

	reliableWindows     [clock.ReliableWindows]uint16
	usedReliableWindows uint16

	IncomingReliableSequenceNumber   uint16
	IncomingUnreliableSequenceNumber uint16

	outgoingReliableSequenceNumber   uint16
	outgoingUnreliableSequenceNumber uint16
}

// New returns a freshly reset Channel.
func New() *Channel {
	return &Channel{}
}

// Reset clears all bookkeeping, as happens when a peer is torn down.
func (c *Channel) Reset() {
	*c = Channel{}
}

// ReliableWindow returns the in-flight-reliable-command count for window
// slot i.
func (c *Channel) ReliableWindow(i uint32) uint16 {
	return c.reliableWindows[i%clock.ReliableWindows]
}

// MarkReliableWindowAsUsed sets window i's used bit.
func (c *Channel) MarkReliableWindowAsUsed(i uint32) {
	c.usedReliableWindows |= 1 << (i % clock.ReliableWindows)
}

// MarkReliableWindowAsUnused clears window i's used bit.
func (c *Channel) MarkReliableWindowAsUnused(i uint32) {
	c.usedReliableWindows &^= 1 << (i % clock.ReliableWindows)
}

// UsedReliableWindows returns the raw used-window bitmask.
func (c *Channel) UsedReliableWindows() uint16 { return c.usedReliableWindows }

// IncrementReliableWindow bumps window i's in-flight count.
func (c *Channel) IncrementReliableWindow(i uint32) {
	c.reliableWindows[i%clock.ReliableWindows]++
}

// DecrementReliableWindow drops window i's in-flight count by one.
func (c *Channel) DecrementReliableWindow(i uint32) {
	idx := i % clock.ReliableWindows
	if c.reliableWindows[idx] > 0 {
		c.reliableWindows[idx]--
	}
}

// OutgoingReliableSequenceNumber returns the per-channel outgoing reliable
// counter.
func (c *Channel) OutgoingReliableSequenceNumber() uint16 {
	return c.outgoingReliableSequenceNumber
}

// OutgoingUnreliableSequenceNumber returns the per-channel outgoing
// unreliable counter.
func (c *Channel) OutgoingUnreliableSequenceNumber() uint16 {
	return c.outgoingUnreliableSequenceNumber
}

// SetOutgoingUnreliableSequenceNumber overwrites the per-channel outgoing
// unreliable counter (reset to 0 whenever a new reliable command is
// queued on the channel).
func (c *Channel) SetOutgoingUnreliableSequenceNumber(v uint16) {
	c.outgoingUnreliableSequenceNumber = v
}

// IncrementOutgoingReliableSequenceNumber bumps the per-channel outgoing
// reliable counter, wrapping modulo 2^16.
func (c *Channel) IncrementOutgoingReliableSequenceNumber() {
	c.outgoingReliableSequenceNumber++
}

// IncrementOutgoingUnreliableSequenceNumber bumps the per-channel outgoing
// unreliable counter.
func (c *Channel) IncrementOutgoingUnreliableSequenceNumber() {
	c.outgoingUnreliableSequenceNumber++
}

// reliableDistance orders reliable sequence numbers relative to the
// current delivered watermark: entries still pending delivery always lie
// strictly ahead of it within the active window range, so plain unsigned
// subtraction sorts them correctly without wrap ambiguity.
func (c *Channel) reliableDistance(seq uint16) uint16 {
	return seq - c.IncomingReliableSequenceNumber
}

// QueueIncoming inserts a received command into the correct ordered
// position in the reliable or unreliable list, or silently discards it as
// a duplicate / out-of-window / already-received fragment (nil, nil).
// Rejections never allocate (spec §4.2 edge cases).
func (c *Channel) QueueIncoming(msg wire.Message, payload []byte, flags segment.Flag, fragmentCount uint32) (*IncomingCommand, error) {
	cmdType := msg.Header.Command
	reliableSeq := msg.Header.ReliableSequenceNumber

	if cmdType != wire.CommandSendUnsequenced {
		window := clock.WindowOf(reliableSeq)
		current := clock.WindowOf(c.IncomingReliableSequenceNumber)
		if reliableSeq < c.IncomingReliableSequenceNumber {
			window += clock.ReliableWindows
		}
		if !clock.WindowInRange(window, current) {
			return nil, nil
		}
	}

	var unreliableSeq uint16
	var insertReliable bool

	switch cmdType {
	case wire.CommandSendFragment, wire.CommandSendReliable:
		insertReliable = true
		if reliableSeq == c.IncomingReliableSequenceNumber {
			return nil, nil // already delivered: duplicate
		}
	case wire.CommandSendUnreliable, wire.CommandSendUnreliableFragment:
		unreliableSeq = msg.SendUnreliable.UnreliableSequenceNumber
		if cmdType == wire.CommandSendUnreliableFragment {
			unreliableSeq = uint16(msg.SendFragment.StartSequenceNumber)
		}
		if reliableSeq == c.IncomingReliableSequenceNumber && unreliableSeq <= c.IncomingUnreliableSequenceNumber {
			return nil, nil // duplicate
		}
	case wire.CommandSendUnsequenced:
		// unordered: appended below, no duplicate check here (the
		// protocol engine's unsequenced-window bitmap owns dedup).
	default:
		return nil, nil
	}

	if insertReliable {
		dist := c.reliableDistance(reliableSeq)
		idx := 0
		for ; idx < len(c.IncomingReliable); idx++ {
			existing := c.IncomingReliable[idx]
			existingDist := c.reliableDistance(existing.ReliableSequenceNumber)
			if existingDist == dist {
				return nil, nil // duplicate
			}
			if existingDist > dist {
				break
			}
		}
		seg, err := c.buildSegment(payload, flags, fragmentCount)
		if err != nil {
			return nil, err
		}
		ic := newIncomingCommand(reliableSeq, 0, fragmentCount, seg)
		c.IncomingReliable = append(c.IncomingReliable, nil)
		copy(c.IncomingReliable[idx+1:], c.IncomingReliable[idx:])
		c.IncomingReliable[idx] = ic
		return ic, nil
	}

	// unreliable or unsequenced
	dist := c.reliableDistance(reliableSeq)
	idx := len(c.IncomingUnreliable)
	if cmdType != wire.CommandSendUnsequenced {
		idx = 0
		for ; idx < len(c.IncomingUnreliable); idx++ {
			existing := c.IncomingUnreliable[idx]
			existingDist := c.reliableDistance(existing.ReliableSequenceNumber)
			if existingDist == dist && existing.UnreliableSequenceNumber == unreliableSeq {
				return nil, nil // duplicate
			}
			if existingDist > dist || (existingDist == dist && existing.UnreliableSequenceNumber > unreliableSeq) {
				break
			}
		}
	}
	seg, err := c.buildSegment(payload, flags, fragmentCount)
	if err != nil {
		return nil, err
	}
	ic := newIncomingCommand(reliableSeq, unreliableSeq, fragmentCount, seg)
	c.IncomingUnreliable = append(c.IncomingUnreliable, nil)
	copy(c.IncomingUnreliable[idx+1:], c.IncomingUnreliable[idx:])
	c.IncomingUnreliable[idx] = ic
	return ic, nil
}

func (c *Channel) buildSegment(payload []byte, flags segment.Flag, fragmentCount uint32) (*segment.Segment, error) {
	if fragmentCount > 0 {
		return nil, nil // caller (fragment handler) allocates reassembly buffer itself
	}
	return segment.NewSegment(payload, flags), nil
}

// ExtractFirstCommand returns the already-queued head IncomingCommand of a
// fragmented message matching startSeq, or nil if none is queued yet.
func (c *Channel) ExtractFirstCommand(startSeq uint16, totalLength int, fragmentCount uint32) *IncomingCommand {
	for _, ic := range c.IncomingReliable {
		if ic.ReliableSequenceNumber == startSeq && ic.FragmentCount == fragmentCount {
			return ic
		}
	}
	return nil
}

// QueueFragmentStart inserts the head command for a new fragmented
// message, allocating its reassembly buffer.
func (c *Channel) QueueFragmentStart(msg wire.Message, startSeq uint16, totalLength int, flags segment.Flag, fragmentCount uint32) (*IncomingCommand, error) {
	dist := c.reliableDistance(startSeq)
	idx := 0
	for ; idx < len(c.IncomingReliable); idx++ {
		existingDist := c.reliableDistance(c.IncomingReliable[idx].ReliableSequenceNumber)
		if existingDist == dist {
			return nil, nil
		}
		if existingDist > dist {
			break
		}
	}
	seg := segment.NewReassembly(totalLength, flags)
	ic := newIncomingCommand(startSeq, 0, fragmentCount, seg)
	c.IncomingReliable = append(c.IncomingReliable, nil)
	copy(c.IncomingReliable[idx+1:], c.IncomingReliable[idx:])
	c.IncomingReliable[idx] = ic
	return ic, nil
}

// ExtractFirstUnreliableCommand returns the already-queued head
// IncomingCommand of an in-progress unreliable fragmented message matching
// reliableSeq/unreliableSeq, or nil if none is queued yet.
func (c *Channel) ExtractFirstUnreliableCommand(reliableSeq, unreliableSeq uint16, fragmentCount uint32) *IncomingCommand {
	for _, ic := range c.IncomingUnreliable {
		if ic.ReliableSequenceNumber == reliableSeq && ic.UnreliableSequenceNumber == unreliableSeq && ic.FragmentCount == fragmentCount {
			return ic
		}
	}
	return nil
}

// QueueUnreliableFragmentStart inserts the head command for a new
// unreliable fragmented message into the unreliable queue, ordered the
// same way QueueIncoming orders whole unreliable commands, and allocates
// its reassembly buffer.
func (c *Channel) QueueUnreliableFragmentStart(reliableSeq, unreliableSeq uint16, totalLength int, flags segment.Flag, fragmentCount uint32) (*IncomingCommand, error) {
	dist := c.reliableDistance(reliableSeq)
	idx := 0
	for ; idx < len(c.IncomingUnreliable); idx++ {
		existing := c.IncomingUnreliable[idx]
		existingDist := c.reliableDistance(existing.ReliableSequenceNumber)
		if existingDist == dist && existing.UnreliableSequenceNumber == unreliableSeq {
			return nil, nil
		}
		if existingDist > dist || (existingDist == dist && existing.UnreliableSequenceNumber > unreliableSeq) {
			break
		}
	}
	seg := segment.NewReassembly(totalLength, flags)
	ic := newIncomingCommand(reliableSeq, unreliableSeq, fragmentCount, seg)
	c.IncomingUnreliable = append(c.IncomingUnreliable, nil)
	copy(c.IncomingUnreliable[idx+1:], c.IncomingUnreliable[idx:])
	c.IncomingUnreliable[idx] = ic
	return ic, nil
}

// NewIncomingReliableCommands pops and returns the prefix of the reliable
// list whose sequence numbers are exactly contiguous with
// IncomingReliableSequenceNumber+1 (a multi-fragment message counts as one
// unit of size FragmentCount). If any command is delivered this way,
// IncomingUnreliableSequenceNumber resets to 0.
func (c *Channel) NewIncomingReliableCommands() []*IncomingCommand {
	var delivered []*IncomingCommand
	var newCommandDetected bool

	i := 0
	for ; i < len(c.IncomingReliable); i++ {
		cmd := c.IncomingReliable[i]
		if cmd.fragmentsRemaining > 0 || cmd.ReliableSequenceNumber != c.IncomingReliableSequenceNumber+1 {
			break
		}
		newCommandDetected = true
		c.IncomingReliableSequenceNumber = cmd.ReliableSequenceNumber
		if cmd.FragmentCount > 0 {
			c.IncomingReliableSequenceNumber += uint16(cmd.FragmentCount) - 1
		}
		delivered = append(delivered, cmd)
	}
	c.IncomingReliable = c.IncomingReliable[i:]

	if newCommandDetected {
		c.IncomingUnreliableSequenceNumber = 0
	}
	return delivered
}

// IncomingUnreliableCommandExists reports whether any unreliable command
// is queued.
func (c *Channel) IncomingUnreliableCommandExists() bool {
	return len(c.IncomingUnreliable) > 0
}

// NewIncomingUnreliableCommands pops and returns every queued unreliable
// command whose reliable sequence number is no longer in the future
// (i.e. it is deliverable given the reliable commands already dispatched),
// in ascending (reliable, unreliable) order.
func (c *Channel) NewIncomingUnreliableCommands() []*IncomingCommand {
	var delivered []*IncomingCommand
	i := 0
	for ; i < len(c.IncomingUnreliable); i++ {
		cmd := c.IncomingUnreliable[i]
		if cmd.fragmentsRemaining > 0 || c.reliableDistance(cmd.ReliableSequenceNumber) > 0 {
			break
		}
		delivered = append(delivered, cmd)
	}
	c.IncomingUnreliable = c.IncomingUnreliable[i:]
	return delivered
}
