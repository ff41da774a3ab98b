package command

import (
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

// OutgoingCommand is a command awaiting (or already under) transmission:
// its wire header/body plus scheduling state for the reliable
// retransmission machinery (spec §4.3).
type OutgoingCommand struct {
	Message        wire.Message
	Segment        *segment.Segment // nil if the command carries no payload
	FragmentOffset uint32

	ReliableSequenceNumber   uint16
	UnreliableSequenceNumber uint16

	SendAttempts          uint32
	SentTime              uint32
	RoundTripTimeout      uint32
	RoundTripTimeoutLimit uint32
}

// ChannelID is the channel this command belongs to, read from its header
// (PROTOCOL_MAXIMUM_CHANNEL_COUNT or the header's own width bounds it).
func (oc *OutgoingCommand) ChannelID() uint8 { return oc.Message.Header.ChannelID }

// HasPayload reports whether this command carries segment data.
func (oc *OutgoingCommand) HasPayload() bool { return oc.Segment != nil }

// FragmentLength returns the payload length, or 0 if none.
func (oc *OutgoingCommand) FragmentLength() uint32 {
	if oc.Segment == nil {
		return 0
	}
	return uint32(oc.Segment.Len())
}

// RequiresAck reports whether this command's header carries the
// ACKNOWLEDGE flag, i.e. it is sent reliably and awaits the peer's ack.
// Not to be confused with the ACKNOWLEDGE command itself, which bypasses
// this queue entirely (spec §4.5 note on acknowledgement ordering).
func (oc *OutgoingCommand) RequiresAck() bool { return oc.Message.Header.Acknowledge }

// IsUnsequenced reports whether this command's header carries the
// UNSEQUENCED flag.
func (oc *OutgoingCommand) IsUnsequenced() bool { return oc.Message.Header.Unsequenced }

// IncrementSendAttempts bumps the retransmission counter.
func (oc *OutgoingCommand) IncrementSendAttempts() { oc.SendAttempts++ }

// NextTimeout returns the absolute service-time deadline for this
// command's next retransmission.
func (oc *OutgoingCommand) NextTimeout() uint32 {
	return oc.SentTime + oc.RoundTripTimeout
}
