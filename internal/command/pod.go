// Package command schedules outgoing commands: the reliable/unreliable
// queues, window and segment-throttle accounting, retransmission timeout,
// and the tables a datagram send pass drains into a Chamber (spec §4.3).
package command

import (
	"go.uber.org/zap"

	"github.com/rudpnet/rudp/internal/clock"
	"github.com/rudpnet/rudp/internal/wire"
)

// Channel is the narrow view of a channel's window/sequence bookkeeping
// that CommandPod needs. Implemented by *internal/channel.Channel;
// declared here (consumer side) to avoid an import cycle.
type Channel interface {
	ReliableWindow(i uint32) uint16
	MarkReliableWindowAsUsed(i uint32)
	MarkReliableWindowAsUnused(i uint32)
	UsedReliableWindows() uint16
	IncrementReliableWindow(i uint32)
	DecrementReliableWindow(i uint32)
	OutgoingReliableSequenceNumber() uint16
	OutgoingUnreliableSequenceNumber() uint16
	SetOutgoingUnreliableSequenceNumber(uint16)
	IncrementOutgoingReliableSequenceNumber()
	IncrementOutgoingUnreliableSequenceNumber()
}

// Chamber is the narrow view of the outgoing datagram assembler that
// CommandPod drains into. Implemented by *internal/chamber.Chamber.
type Chamber interface {
	SendingContinues(msg wire.Message, maxSegmentCommands int) bool
	Add(msg wire.Message)
	RequireSentTime()
}

// PeerNet is the narrow view of a peer's network/throttle state that
// CommandPod needs. Implemented by *internal/peer.Net.
type PeerNet interface {
	MTU() uint32
	WindowSize() uint32
	SegmentThrottle() uint32
	IncreaseSegmentsLost(n uint32)
	UpdateSegmentThrottleCounter()
	ExceedsSegmentThrottleCounter() bool
	State() PeerState
}

// windowWraps reports whether an unsent, first-in-window reliable command
// must wait because the active reliable-window ring is already full or has
// in-flight neighbours (spec §4.3, preserved ambiguity (a): see §9 note).
func windowWraps(channel Channel, reliableWindow uint32, oc *OutgoingCommand) bool {
	hasNotSentOnce := oc.SendAttempts == 0
	firstCommandInWindow := oc.ReliableSequenceNumber%clock.ReliableWindowSize == 0

	allAvailableWindowsInUse := channel.ReliableWindow((reliableWindow+clock.ReliableWindows-1)%clock.ReliableWindows) >=
		clock.ReliableWindowSize-1

	freeMask := uint16((1 << clock.FreeReliableWindows) - 1)
	shift := reliableWindow % clock.ReliableWindows
	existingCommandsInFlight := channel.UsedReliableWindows() &
		((freeMask << shift) | (freeMask >> (clock.ReliableWindows - shift)))

	return hasNotSentOnce && firstCommandInWindow &&
		(allAvailableWindowsInUse || existingCommandsInFlight != 0)
}

// windowExceeds reports whether emitting oc would push more reliable data
// in flight than the peer's current window allows.
func windowExceeds(reliableDataInTransit, mtu, windowSize uint32, oc *OutgoingCommand) bool {
	limit := windowSize
	if mtu > limit {
		limit = mtu
	}
	return reliableDataInTransit+oc.FragmentLength() > limit
}

// CommandPod owns one peer's outgoing reliable/unreliable queues and the
// round-trip/window accounting that governs when each is allowed onto the
// wire.
type CommandPod struct {
	log *zap.Logger

	OutgoingReliable   []*OutgoingCommand
	OutgoingUnreliable []*OutgoingCommand
	SentReliable       []*OutgoingCommand
	SentUnreliable     []*OutgoingCommand

	IncomingDataTotal uint32
	OutgoingDataTotal uint32

	IncomingUnsequencedGroup uint16
	OutgoingUnsequencedGroup uint16

	outgoingReliableSequenceNumber uint16

	EarliestTimeout uint32
	NextTimeout     uint32

	ReliableDataInTransit uint32

	RoundTripTime         uint32
	RoundTripTimeVariance uint32

	TimeoutLimit   uint32
	TimeoutMinimum uint32
	TimeoutMaximum uint32
}

// New returns a CommandPod reset to its initial state.
func New(log *zap.Logger) *CommandPod {
	if log == nil {
		log = zap.NewNop()
	}
	pod := &CommandPod{log: log}
	pod.Reset()
	return pod
}

// Reset restores every counter to its connection-start default (spec
// §4.3).
func (p *CommandPod) Reset() {
	p.OutgoingReliable = nil
	p.OutgoingUnreliable = nil
	p.SentReliable = nil
	p.SentUnreliable = nil
	p.IncomingDataTotal = 0
	p.OutgoingDataTotal = 0
	p.NextTimeout = 0
	p.TimeoutLimit = wire.PeerTimeoutLimit
	p.RoundTripTime = wire.PeerDefaultRoundTripTime
	p.RoundTripTimeVariance = 0
	p.outgoingReliableSequenceNumber = 0
	p.IncomingUnsequencedGroup = 0
	p.OutgoingUnsequencedGroup = 0
	p.EarliestTimeout = 0
	p.TimeoutMinimum = wire.PeerTimeoutMinimum
	p.TimeoutMaximum = wire.PeerTimeoutMaximum
	p.ReliableDataInTransit = 0
}

// Timeout scans SentReliable for commands overdue for retransmission,
// doubling their timeout and requeueing them, and reports whether the
// peer has exceeded its timeout budget and must be disconnected.
func (p *CommandPod) Timeout(net PeerNet, serviceTime uint32) bool {
	i := 0
	for i < len(p.SentReliable) {
		oc := p.SentReliable[i]

		if clock.Difference(serviceTime, oc.SentTime) < oc.RoundTripTimeout {
			i++
			continue
		}

		if p.EarliestTimeout == 0 || clock.Less(oc.SentTime, p.EarliestTimeout) {
			p.EarliestTimeout = oc.SentTime
		}

		exceedsTimeoutMaximum := clock.Difference(serviceTime, p.EarliestTimeout) >= p.TimeoutMaximum
		exceedsRTTTimeoutLimit := oc.RoundTripTimeout >= oc.RoundTripTimeoutLimit
		exceedsTimeoutMinimum := clock.Difference(serviceTime, p.EarliestTimeout) >= p.TimeoutMinimum

		if p.EarliestTimeout != 0 && (exceedsTimeoutMaximum || (exceedsRTTTimeoutLimit && exceedsTimeoutMinimum)) {
			p.log.Debug("peer timed out, disconnecting", zap.Uint16("reliable_sequence_number", oc.ReliableSequenceNumber))
			return true
		}

		if oc.HasPayload() {
			p.ReliableDataInTransit -= oc.FragmentLength()
		}

		net.IncreaseSegmentsLost(1)
		oc.RoundTripTimeout *= 2

		p.SentReliable = append(p.SentReliable[:i], p.SentReliable[i+1:]...)
		p.OutgoingReliable = append([]*OutgoingCommand{oc}, p.OutgoingReliable...)

		p.log.Debug("command resubmitted for retransmission", zap.Uint16("reliable_sequence_number", oc.ReliableSequenceNumber))

		if i == 0 && len(p.SentReliable) > 0 {
			next := p.SentReliable[0]
			p.NextTimeout = next.SentTime + next.RoundTripTimeout
		}
	}

	return false
}

// channelForCommand looks up a command's channel from channels by the
// command's header channel id, or returns nil (and ok=false) if it is
// out of range (e.g. an acknowledgement-queue entry with no channel).
func channelForCommand(channels []Channel, channelID uint8) (Channel, bool) {
	if int(channelID) >= len(channels) {
		return nil, false
	}
	return channels[channelID], true
}

// LoadReliableIntoChamber drains OutgoingReliable into chamber subject to
// window-wrap and window-exceeded backpressure, and reports whether no
// reliable command was ready to send: it turns false as soon as one passes
// the window checks, even if that command then did not fit in the chamber
// (so the caller may still send a PING to keep the connection alive).
func (p *CommandPod) LoadReliableIntoChamber(chamber Chamber, net PeerNet, channels []Channel, serviceTime uint32) bool {
	windowExceeded := false
	windowWrap := false
	canPing := true

	i := 0
	for i < len(p.OutgoingReliable) {
		oc := p.OutgoingReliable[i]

		channel, hasChannel := channelForCommand(channels, oc.ChannelID())
		reliableWindow := uint32(oc.ReliableSequenceNumber) / clock.ReliableWindowSize

		if hasChannel {
			if !windowWrap && windowWraps(channel, reliableWindow, oc) {
				windowWrap = true
			}
			if windowWrap {
				i++
				continue
			}
		}

		if oc.HasPayload() {
			if !windowExceeded {
				ws := (net.SegmentThrottle() * net.WindowSize()) / wire.PeerSegmentThrottleScale
				if windowExceeds(p.ReliableDataInTransit, net.MTU(), ws, oc) {
					windowExceeded = true
				}
			}
			if windowExceeded {
				i++
				continue
			}
		}

		canPing = false

		if !chamber.SendingContinues(oc.Message, wire.MaximumSegmentCommands) {
			break
		}

		i++

		if hasChannel && oc.SendAttempts < 1 {
			channel.MarkReliableWindowAsUsed(reliableWindow)
			channel.IncrementReliableWindow(reliableWindow)
		}

		oc.IncrementSendAttempts()

		if oc.RoundTripTimeout == 0 {
			oc.RoundTripTimeout = p.RoundTripTime + 4*p.RoundTripTimeVariance
			oc.RoundTripTimeoutLimit = p.TimeoutLimit * oc.RoundTripTimeout
		}

		if len(p.SentReliable) != 0 {
			p.NextTimeout = serviceTime + oc.RoundTripTimeout
		}

		oc.SentTime = serviceTime

		chamber.Add(oc.Message)
		chamber.RequireSentTime()

		if oc.HasPayload() {
			p.ReliableDataInTransit += oc.FragmentLength()
		}

		p.SentReliable = append(p.SentReliable, oc)
	}

	p.OutgoingReliable = p.OutgoingReliable[i:]
	return canPing
}

// LoadUnreliableIntoChamber drains OutgoingUnreliable into chamber,
// honouring the segment-throttle counter (dropping a whole fragmented
// message at once when the counter overflows), and reports whether the
// caller should purge this peer: it is DISCONNECT_LATER, both queues are
// drained, and some sent-reliable command is still awaiting ack.
func (p *CommandPod) LoadUnreliableIntoChamber(chamber Chamber, net PeerNet) bool {
	i := 0
	for i < len(p.OutgoingUnreliable) {
		oc := p.OutgoingUnreliable[i]

		if !chamber.SendingContinues(oc.Message, wire.MaximumSegmentCommands) {
			break
		}

		i++

		if oc.HasPayload() && oc.FragmentOffset == 0 {
			net.UpdateSegmentThrottleCounter()

			if net.ExceedsSegmentThrottleCounter() {
				reliableSeq := oc.ReliableSequenceNumber
				unreliableSeq := oc.UnreliableSequenceNumber

				for i < len(p.OutgoingUnreliable) {
					next := p.OutgoingUnreliable[i]
					if next.ReliableSequenceNumber != reliableSeq || next.UnreliableSequenceNumber != unreliableSeq {
						break
					}
					i++
				}
				continue
			}
		}

		chamber.Add(oc.Message)

		if oc.HasPayload() {
			p.SentUnreliable = append(p.SentUnreliable, oc)
		}
	}

	p.OutgoingUnreliable = p.OutgoingUnreliable[i:]

	return net.State() == StateDisconnectLater &&
		len(p.OutgoingReliable) == 0 &&
		len(p.OutgoingUnreliable) == 0 &&
		len(p.SentReliable) != 0
}

// RemoveSentReliableCommand matches an acknowledged reliable sequence
// number against SentReliable first and, failing that, against
// OutgoingReliable entries that have already been attempted once (the
// ack can race ahead of the send-pass that moves a command between the
// two queues). It returns the matched command's id, or CommandNone if
// nothing matched.
func (p *CommandPod) RemoveSentReliableCommand(reliableSequenceNumber uint16, channelID uint8, channel Channel) wire.Command {
	idx := -1
	for i, oc := range p.SentReliable {
		if oc.ReliableSequenceNumber == reliableSequenceNumber && oc.ChannelID() == channelID {
			idx = i
			break
		}
	}

	var oc *OutgoingCommand
	wasSent := true
	fromSent := idx >= 0

	if fromSent {
		oc = p.SentReliable[idx]
	} else {
		idx = -1
		for i, cand := range p.OutgoingReliable {
			if cand.SendAttempts < 1 {
				return wire.CommandNone
			}
			if cand.ReliableSequenceNumber == reliableSequenceNumber && cand.ChannelID() == channelID {
				idx = i
				oc = cand
				break
			}
		}
		if idx < 0 {
			return wire.CommandNone
		}
		wasSent = false
	}

	if oc == nil {
		return wire.CommandNone
	}

	if channel != nil {
		reliableWindow := uint32(reliableSequenceNumber) / clock.ReliableWindowSize
		if channel.ReliableWindow(reliableWindow) > 0 {
			channel.DecrementReliableWindow(reliableWindow)
			if channel.ReliableWindow(reliableWindow) == 0 {
				channel.MarkReliableWindowAsUnused(reliableWindow)
			}
		}
	}

	commandID := oc.Message.Header.Command

	if oc.HasPayload() && wasSent {
		p.ReliableDataInTransit -= oc.FragmentLength()
	}

	if fromSent {
		p.SentReliable = append(p.SentReliable[:idx], p.SentReliable[idx+1:]...)
	} else {
		p.OutgoingReliable = append(p.OutgoingReliable[:idx], p.OutgoingReliable[idx+1:]...)
	}

	if len(p.SentReliable) == 0 {
		return commandID
	}

	p.NextTimeout = p.SentReliable[0].NextTimeout()

	return commandID
}

// RemoveSentUnreliableCommands clears the sent-unreliable queue; the
// segments it held are released by the caller once this returns.
func (p *CommandPod) RemoveSentUnreliableCommands() []*OutgoingCommand {
	drained := p.SentUnreliable
	p.SentUnreliable = nil
	return drained
}

// SetupOutgoingCommand assigns oc's sequence numbers according to its
// kind (spec §4.3): a standalone (channel-less) command gets the pod-wide
// outgoing reliable counter; an acknowledged (reliable) channel command
// gets the channel's reliable counter and resets its unreliable counter;
// an unsequenced command gets the pod-wide unsequenced group; anything
// else (plain unreliable/fragment) gets the channel's unreliable counter,
// advanced only for a fragment's first piece.
func (p *CommandPod) SetupOutgoingCommand(oc *OutgoingCommand, channel Channel) {
	p.OutgoingDataTotal += uint32(wire.Size(oc.Message.Header.Command)) + oc.FragmentLength()

	switch {
	case channel == nil:
		p.outgoingReliableSequenceNumber++
		oc.ReliableSequenceNumber = p.outgoingReliableSequenceNumber
		oc.UnreliableSequenceNumber = 0

	case oc.RequiresAck():
		channel.IncrementOutgoingReliableSequenceNumber()
		channel.SetOutgoingUnreliableSequenceNumber(0)
		oc.ReliableSequenceNumber = channel.OutgoingReliableSequenceNumber()
		oc.UnreliableSequenceNumber = 0

	case oc.IsUnsequenced():
		p.OutgoingUnsequencedGroup++
		oc.ReliableSequenceNumber = 0
		oc.UnreliableSequenceNumber = 0

	default:
		if oc.FragmentOffset == 0 {
			channel.IncrementOutgoingUnreliableSequenceNumber()
		}
		oc.ReliableSequenceNumber = channel.OutgoingReliableSequenceNumber()
		oc.UnreliableSequenceNumber = channel.OutgoingUnreliableSequenceNumber()
	}

	oc.SendAttempts = 0
	oc.SentTime = 0
	oc.RoundTripTimeout = 0
	oc.RoundTripTimeoutLimit = 0

	oc.Message.Header.ReliableSequenceNumber = oc.ReliableSequenceNumber
	switch oc.Message.Header.Command {
	case wire.CommandSendUnreliable:
		oc.Message.SendUnreliable.UnreliableSequenceNumber = oc.UnreliableSequenceNumber
	case wire.CommandSendUnsequenced:
		oc.Message.SendUnsequenced.UnsequencedGroup = p.OutgoingUnsequencedGroup
	}

	if oc.RequiresAck() {
		p.OutgoingReliable = append(p.OutgoingReliable, oc)
		p.log.Debug("outgoing reliable command queued",
			zap.Uint8("command", uint8(oc.Message.Header.Command)),
			zap.Uint16("reliable_sequence_number", oc.ReliableSequenceNumber))
	} else {
		p.OutgoingUnreliable = append(p.OutgoingUnreliable, oc)
		p.log.Debug("outgoing unreliable command queued",
			zap.Uint8("command", uint8(oc.Message.Header.Command)))
	}
}
