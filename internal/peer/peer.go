package peer

import (
	"net"

	"github.com/pkg/errors"

	"github.com/rudpnet/rudp/internal/channel"
	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

// ErrUnknownChannel is returned when a command references a channel id
// outside this peer's negotiated channel count.
var ErrUnknownChannel = errors.New("peer: unknown channel")

// unsequencedWindowWords is the 32x32-bit bitmap backing the unsequenced
// delivery window (spec §3, PeerUnsequencedWindowSize / 32).
const unsequencedWindowWords = wire.PeerUnsequencedWindowSize / 32

// Acknowledgement is a pending ack: the remote sent_time echoed back plus
// the command header being acknowledged (spec §4.6 note on acknowledgement
// ordering — these bypass the reliable queue entirely).
type Acknowledgement struct {
	SentTime uint32
	Header   wire.CommandHeader
}

// Peer is one remote endpoint's full connection state: identity, wire
// address, per-channel bookkeeping, the command scheduler, and the
// unsequenced-delivery window (spec §3).
type Peer struct {
	Net *Net
	Pod *command.CommandPod

	IncomingPeerID uint16
	OutgoingPeerID uint16

	IncomingSessionID uint8
	OutgoingSessionID uint8

	RemoteAddr net.Addr

	ConnectID uint32

	Channels []*channel.Channel

	Acknowledgements []Acknowledgement

	// DispatchedCommands holds fully-reassembled, in-order segments ready
	// to surface as Event values to the application.
	DispatchedCommands []DispatchedCommand

	unsequencedWindow [unsequencedWindowWords]uint32

	EventData uint32

	NeedsDispatch   bool
	InDispatchQueue bool

	LastReceiveTime uint32

	// index is this Peer's slot in its owning Pod, used for duplicate-peer
	// accounting and O(1) release.
	index int
	used  bool
}

// DispatchedCommand pairs a received segment with the channel it arrived
// on, queued until the dispatch hub turns it into a user-visible Event.
type DispatchedCommand struct {
	ChannelID uint8
	Segment   *segment.Segment
}

// New returns a Peer with channelCount channels and fresh Net/CommandPod
// state, as allocated by a Pod.
func New(channelCount int, index int) *Peer {
	p := &Peer{
		Net:   NewNet(),
		Pod:   command.New(nil),
		index: index,
	}
	p.Channels = make([]*channel.Channel, channelCount)
	for i := range p.Channels {
		p.Channels[i] = channel.New()
	}
	return p
}

// Reset clears all connection-specific state so the Peer can be returned
// to its Pod for reuse by a future connection.
func (p *Peer) Reset() {
	p.Net.Reset()
	p.Pod.Reset()
	p.IncomingPeerID = 0
	p.OutgoingPeerID = 0
	p.IncomingSessionID = 0
	p.OutgoingSessionID = 0
	p.RemoteAddr = nil
	p.ConnectID = 0
	for _, ch := range p.Channels {
		ch.Reset()
	}
	p.Acknowledgements = nil
	p.DispatchedCommands = nil
	p.unsequencedWindow = [unsequencedWindowWords]uint32{}
	p.EventData = 0
	p.NeedsDispatch = false
	p.InDispatchQueue = false
	p.LastReceiveTime = 0
	p.used = false
}

// Index returns this Peer's slot index within its owning Pod, which
// doubles as the incoming peer id a Host assigns on accept (spec §3,
// PeerPod "indexed by incoming peer id").
func (p *Peer) Index() int { return p.index }

// Channel returns the channel identified by id, or nil if it is out of
// range for this peer's negotiated channel count.
func (p *Peer) Channel(id uint8) *channel.Channel {
	if int(id) >= len(p.Channels) {
		return nil
	}
	return p.Channels[id]
}

// commandChannels adapts p.Channels to []command.Channel for CommandPod
// calls, since *channel.Channel satisfies command.Channel but Go does not
// implicitly convert slice element types.
func (p *Peer) commandChannels() []command.Channel {
	out := make([]command.Channel, len(p.Channels))
	for i, ch := range p.Channels {
		out[i] = ch
	}
	return out
}

// LoadReliableIntoChamber drains this peer's outgoing reliable queue into
// chamber (spec §4.3).
func (p *Peer) LoadReliableIntoChamber(chamber command.Chamber, serviceTime uint32) bool {
	return p.Pod.LoadReliableIntoChamber(chamber, p.Net, p.commandChannels(), serviceTime)
}

// LoadUnreliableIntoChamber drains this peer's outgoing unreliable queue
// into chamber, honouring the segment-throttle counter, and reports
// whether this peer is now fully drained and awaiting a final ack while
// DISCONNECT_LATER (spec §4.3).
func (p *Peer) LoadUnreliableIntoChamber(chamber command.Chamber) bool {
	return p.Pod.LoadUnreliableIntoChamber(chamber, p.Net)
}

// QueueOutgoingCommand builds an OutgoingCommand from msg (and, if
// non-nil, seg as its payload) and schedules it onto this peer's reliable
// or unreliable queue, assigning sequence numbers along the way (spec
// §4.3). Used both for commands the protocol engine originates itself —
// VERIFY_CONNECT, ACKNOWLEDGE-flagged BANDWIDTH_LIMIT — and for the
// CONNECT, DISCONNECT and application sends a Host queues.
func (p *Peer) QueueOutgoingCommand(msg wire.Message, seg *segment.Segment, fragmentOffset uint32) *command.OutgoingCommand {
	oc := &command.OutgoingCommand{
		Message:        msg,
		Segment:        seg,
		FragmentOffset: fragmentOffset,
	}

	var ch command.Channel
	if msg.Header.ChannelID != 0xFF {
		if c := p.Channel(msg.Header.ChannelID); c != nil {
			ch = c
		}
	}

	p.Pod.SetupOutgoingCommand(oc, ch)
	return oc
}

// unsequencedWindowBit reports the bitmap word and bit for an unsequenced
// group number, modulo the window size.
func unsequencedWindowBit(group uint16) (word, bit uint32) {
	slot := uint32(group) % wire.PeerUnsequencedWindowSize
	return slot / 32, slot % 32
}

// UnsequencedWindowReceived reports whether group's slot is already marked
// received, without mutating the window.
func (p *Peer) UnsequencedWindowReceived(group uint16) bool {
	word, bit := unsequencedWindowBit(group)
	return p.unsequencedWindow[word]&(1<<bit) != 0
}

// MarkUnsequencedWindowReceived marks group's slot as received.
func (p *Peer) MarkUnsequencedWindowReceived(group uint16) {
	word, bit := unsequencedWindowBit(group)
	p.unsequencedWindow[word] |= 1 << bit
}

// ResetUnsequencedWindow clears the whole unsequenced-delivery bitmap. The
// receive path does not call it when the group number wraps; the bitmap is
// otherwise cleared only by Reset.
func (p *Peer) ResetUnsequencedWindow() {
	p.unsequencedWindow = [unsequencedWindowWords]uint32{}
}

// QueueAcknowledgement enqueues an ack for hdr, to be emitted ahead of any
// other outgoing command on the next send pass (spec §4.6).
func (p *Peer) QueueAcknowledgement(hdr wire.CommandHeader, sentTime uint32) {
	p.Acknowledgements = append(p.Acknowledgements, Acknowledgement{SentTime: sentTime, Header: hdr})
}

// AcknowledgementExists reports whether any ack is queued.
func (p *Peer) AcknowledgementExists() bool { return len(p.Acknowledgements) > 0 }

// PeekAcknowledgement returns the oldest queued ack without removing it,
// so a caller can check whether it fits the current datagram before
// committing to send it (spec §4.6 SendAcknowledgements).
func (p *Peer) PeekAcknowledgement() (Acknowledgement, bool) {
	if len(p.Acknowledgements) == 0 {
		return Acknowledgement{}, false
	}
	return p.Acknowledgements[0], true
}

// PopAcknowledgement pops the oldest queued ack, ok=false if none remain.
func (p *Peer) PopAcknowledgement() (Acknowledgement, bool) {
	if len(p.Acknowledgements) == 0 {
		return Acknowledgement{}, false
	}
	ack := p.Acknowledgements[0]
	p.Acknowledgements = p.Acknowledgements[1:]
	return ack, true
}

// PushIncomingCommands stages a batch of newly-deliverable reassembled
// commands (from channel.NewIncomingReliableCommands/NewIncomingUnreliableCommands)
// for this peer's dispatch queue.
func (p *Peer) PushIncomingCommands(channelID uint8, cmds []*channel.IncomingCommand) {
	for _, c := range cmds {
		if c.Segment == nil {
			continue
		}
		p.DispatchedCommands = append(p.DispatchedCommands, DispatchedCommand{ChannelID: channelID, Segment: c.Segment})
	}
}

// DispatchedCommandExists reports whether any reassembled segment is
// waiting to be handed to the application.
func (p *Peer) DispatchedCommandExists() bool { return len(p.DispatchedCommands) > 0 }

// Receive pops the oldest dispatched segment and the channel it arrived
// on, or (nil, 0) if none is queued.
func (p *Peer) Receive() (*segment.Segment, uint8) {
	if len(p.DispatchedCommands) == 0 {
		return nil, 0
	}
	dc := p.DispatchedCommands[0]
	p.DispatchedCommands = p.DispatchedCommands[1:]
	return dc.Segment, dc.ChannelID
}

// QueueIncomingCommand resolves msg's channel and queues it there, failing
// with ErrCantAllocate if doing so would push this peer's buffered
// waiting data past maximumWaitingData (spec §7 AllocationFailed).
func (p *Peer) QueueIncomingCommand(msg wire.Message, payload []byte, flags segment.Flag, fragmentCount uint32, maximumWaitingData uint32) error {
	ch := p.Channel(msg.Header.ChannelID)
	if ch == nil {
		return ErrUnknownChannel
	}
	if p.Pod.IncomingDataTotal+uint32(len(payload)) > maximumWaitingData {
		return channel.ErrCantAllocate
	}
	if _, err := ch.QueueIncoming(msg, payload, flags, fragmentCount); err != nil {
		return err
	}
	p.Pod.IncomingDataTotal += uint32(len(payload))
	return nil
}

// RemoveSentReliableCommand resolves channelID to this peer's channel
// (0xFF meaning "no channel", for CONNECT-phase and DISCONNECT commands)
// and delegates to the command scheduler.
func (p *Peer) RemoveSentReliableCommand(reliableSequenceNumber uint16, channelID uint8) wire.Command {
	var ch command.Channel
	if channelID != 0xFF {
		if c := p.Channel(channelID); c != nil {
			ch = c
		}
	}
	return p.Pod.RemoveSentReliableCommand(reliableSequenceNumber, channelID, ch)
}

// UpdateRoundTripTimeVariance folds a freshly measured round-trip time
// into the smoothed round-trip time/variance estimate, Jacobson-style
// (spec §4.5 ACKNOWLEDGE handling; same update shape as
// Net.CalculateSegmentLoss).
func (p *Peer) UpdateRoundTripTimeVariance(rtt uint32) {
	pod := p.Pod
	pod.RoundTripTimeVariance -= pod.RoundTripTimeVariance / 4

	if rtt >= pod.RoundTripTime {
		pod.RoundTripTime += (rtt - pod.RoundTripTime) / 8
		pod.RoundTripTimeVariance += (rtt - pod.RoundTripTime) / 4
	} else {
		pod.RoundTripTime -= (pod.RoundTripTime - rtt) / 8
		pod.RoundTripTimeVariance += (pod.RoundTripTime - rtt) / 4
	}
}

// ResetQueues clears this peer's outgoing/incoming command queues without
// resetting its identity or Net state (spec §4.4, DISCONNECT handling).
func (p *Peer) ResetQueues() {
	p.Pod.Reset()
	for _, ch := range p.Channels {
		ch.Reset()
	}
	p.Acknowledgements = nil
	p.DispatchedCommands = nil
}

// SetupConnectedPeer initializes a responder-side Peer from a received
// CONNECT command: copies the initiator's negotiated parameters, assigns
// this peer's outgoing identity, clamps MTU/window to the host's own
// limits, and transitions to ACKNOWLEDGING_CONNECT (spec §4.4 responder
// path). The caller is responsible for queuing the VERIFY_CONNECT reply.
func (p *Peer) SetupConnectedPeer(connect wire.ConnectBody, remoteAddr net.Addr, hostIncomingBandwidth, hostOutgoingBandwidth uint32, incomingPeerID uint16) {
	p.RemoteAddr = remoteAddr
	p.OutgoingPeerID = connect.PeerID
	p.IncomingPeerID = incomingPeerID
	p.IncomingSessionID = connect.OutgoingSessionID
	p.OutgoingSessionID = connect.IncomingSessionID
	p.ConnectID = connect.ConnectID
	p.EventData = connect.Data

	mtu := uint32(connect.MTU)
	if mtu < wire.MinimumMTU {
		mtu = wire.MinimumMTU
	} else if mtu > wire.MaximumMTU {
		mtu = wire.MaximumMTU
	}
	if mtu < p.Net.MTU() {
		p.Net.SetMTU(mtu)
	}

	windowSize := connect.WindowSize
	if windowSize < wire.MinimumWindowSize {
		windowSize = wire.MinimumWindowSize
	} else if windowSize > wire.MaximumWindowSize {
		windowSize = wire.MaximumWindowSize
	}
	if windowSize < p.Net.WindowSize() {
		p.Net.SetWindowSize(windowSize)
	}

	p.Net.SetIncomingBandwidth(hostIncomingBandwidth)
	p.Net.SetOutgoingBandwidth(hostOutgoingBandwidth)
	p.Net.SetSegmentThrottleInterval(connect.SegmentThrottleInterval)
	p.Net.SetSegmentThrottleAcceleration(connect.SegmentThrottleAcceleration)
	p.Net.SetSegmentThrottleDeceleration(connect.SegmentThrottleDeceleration)
	p.Net.SetState(command.StateAcknowledgingConnect)
}
