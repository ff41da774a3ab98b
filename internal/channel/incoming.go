package channel

import "github.com/rudpnet/rudp/segment"

// IncomingCommand is a received command awaiting delivery: a whole
// reliable/unreliable/unsequenced send, or a fragmented message's
// reassembly state.
type IncomingCommand struct {
	ReliableSequenceNumber   uint16
	UnreliableSequenceNumber uint16
	FragmentCount            uint32
	fragmentsRemaining       uint32
	fragmentBitmap           []uint32
	Segment                  *segment.Segment
}

func newIncomingCommand(reliableSeq, unreliableSeq uint16, fragmentCount uint32, seg *segment.Segment) *IncomingCommand {
	ic := &IncomingCommand{
		ReliableSequenceNumber:   reliableSeq,
		UnreliableSequenceNumber: unreliableSeq,
		FragmentCount:            fragmentCount,
		fragmentsRemaining:       fragmentCount,
		Segment:                  seg,
	}
	if fragmentCount > 0 {
		ic.fragmentBitmap = make([]uint32, (fragmentCount+31)/32)
	}
	return ic
}

// IsFragmentAlreadyReceived reports whether fragment n's bit is already
// set.
func (ic *IncomingCommand) IsFragmentAlreadyReceived(n uint32) bool {
	if int(n/32) >= len(ic.fragmentBitmap) {
		return false
	}
	return ic.fragmentBitmap[n/32]&(1<<(n%32)) != 0
}

// MarkFragmentReceived sets fragment n's bit and decrements the remaining
// count the first time it is set.
func (ic *IncomingCommand) MarkFragmentReceived(n uint32) {
	if ic.IsFragmentAlreadyReceived(n) {
		return
	}
	ic.fragmentBitmap[n/32] |= 1 << (n % 32)
	if ic.fragmentsRemaining > 0 {
		ic.fragmentsRemaining--
	}
}

// IsAllFragmentsReceived reports whether every fragment bit is set.
func (ic *IncomingCommand) IsAllFragmentsReceived() bool {
	return ic.FragmentCount > 0 && ic.fragmentsRemaining == 0
}

// CopyFragmentedPayload copies data into the reassembly buffer at offset,
// clamped to the buffer's length.
func (ic *IncomingCommand) CopyFragmentedPayload(offset uint32, data []byte) {
	end := int(offset) + len(data)
	if end > len(ic.Segment.Data) {
		end = len(ic.Segment.Data)
	}
	if int(offset) >= end {
		return
	}
	copy(ic.Segment.Data[offset:end], data)
}
