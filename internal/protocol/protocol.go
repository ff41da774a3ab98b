// Package protocol runs the per-command handlers, the datagram send
// passes, and the cross-peer bandwidth throttle a host drives each
// service tick (spec §4.5/§4.6/§4.7). Packet transport and the socket
// read/write loop belong to the caller; Engine owns what happens to a
// peer once a command has been decoded off the wire, or is about to be
// encoded onto it.
package protocol

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rudpnet/rudp/internal/chamber"
	"github.com/rudpnet/rudp/internal/channel"
	"github.com/rudpnet/rudp/internal/clock"
	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/dispatch"
	"github.com/rudpnet/rudp/internal/peer"
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

// ErrPeerNotConnected is returned by handlers that only apply to a peer in
// CONNECTED or DISCONNECT_LATER state.
var ErrPeerNotConnected = errors.New("protocol: peer is not connected")

// ErrProtocol marks a received command that violates an invariant the
// sender is expected to uphold (a forged/corrupt ack, a connect-id
// mismatch on VERIFY_CONNECT, fragment bounds that don't fit the
// advertised total length). The caller should treat the peer as hostile
// or desynced rather than retry.
var ErrProtocol = errors.New("protocol: invariant violation")

// Engine holds the state shared across a host's peers: the dispatch hub's
// event queue/peer-accounting, the bandwidth-throttle epoch, and the
// buffered-data ceiling new incoming commands are checked against.
type Engine struct {
	log *zap.Logger

	Hub *dispatch.Hub

	MaximumWaitingData uint32

	bandwidthThrottleEpoch uint32
}

// New returns an Engine driving hub's peer accounting.
func New(hub *dispatch.Hub, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:                log,
		Hub:                hub,
		MaximumWaitingData: wire.HostDefaultMaximumWaitingData,
	}
}

// isActivePeer reports whether p counts towards BandwidthThrottle's
// accounting: CONNECTED or DISCONNECT_LATER peers only (spec §4.7,
// IS_PEER_NOT_CONNECTED negated).
func isActivePeer(p *peer.Peer) bool {
	s := p.Net.State()
	return s == command.StateConnected || s == command.StateDisconnectLater
}

// BandwidthThrottle redistributes each peer's segment-throttle limit from
// the host's configured outgoing bandwidth cap, first among peers that
// advertised their own incoming-bandwidth limit, then flatly among the
// rest, and — if a peer disconnected since the last pass —
// recomputes every peer's share of the host's incoming bandwidth and
// announces it via a BANDWIDTH_LIMIT command (spec §4.7).
//
// The reference implementation reads a second, independent wall-clock
// source (Time::Get()) inside this pass after already gating entry on the
// caller-supplied service_time; Engine has only the one clock its caller
// drives everything else with, so both the gate and the elapsed-time
// calculation here use serviceTime throughout.
func (e *Engine) BandwidthThrottle(serviceTime, incomingBandwidth, outgoingBandwidth uint32, peers []*peer.Peer) {
	if clock.Difference(serviceTime, e.bandwidthThrottleEpoch) < wire.HostBandwidthThrottleInterval {
		return
	}

	timeElapsed := clock.Difference(serviceTime, e.bandwidthThrottleEpoch)
	e.bandwidthThrottleEpoch = serviceTime

	peersRemaining := uint32(e.Hub.ConnectedPeers())
	if peersRemaining == 0 {
		return
	}

	dataTotal := ^uint32(0)
	bandwidth := ^uint32(0)
	var throttle uint32
	var bandwidthLimit uint32
	needsAdjustment := e.Hub.BandwidthLimitedPeers() > 0

	if outgoingBandwidth != 0 {
		dataTotal = 0
		bandwidth = outgoingBandwidth * (timeElapsed / 1000)

		for _, p := range peers {
			if !isActivePeer(p) {
				continue
			}
			dataTotal += p.Pod.OutgoingDataTotal
		}
	}

	// Limited-bandwidth peers: iteratively assign each one its fair share
	// until every one of them either fits under bandwidth or has already
	// been assigned a throttle this epoch.
	for peersRemaining > 0 && needsAdjustment {
		needsAdjustment = false

		if dataTotal <= bandwidth {
			throttle = wire.PeerSegmentThrottleScale
		} else {
			throttle = (bandwidth * wire.PeerSegmentThrottleScale) / dataTotal
		}

		for _, p := range peers {
			if !isActivePeer(p) || p.Net.IncomingBandwidth() == 0 ||
				p.Net.OutgoingBandwidthThrottleEpoch() == serviceTime {
				continue
			}

			peerBandwidth := p.Net.IncomingBandwidth() * (timeElapsed / 1000)
			if (throttle*p.Pod.OutgoingDataTotal)/wire.PeerSegmentThrottleScale <= peerBandwidth {
				continue
			}

			limit := (peerBandwidth * wire.PeerSegmentThrottleScale) / p.Pod.OutgoingDataTotal
			if limit == 0 {
				limit = 1
			}
			p.Net.SetSegmentThrottleLimit(limit)
			if p.Net.SegmentThrottle() > p.Net.SegmentThrottleLimit() {
				p.Net.SetSegmentThrottle(p.Net.SegmentThrottleLimit())
			}
			p.Net.SetOutgoingBandwidthThrottleEpoch(serviceTime)

			needsAdjustment = true
			peersRemaining--

			bandwidth -= peerBandwidth
			dataTotal -= peerBandwidth
		}
	}

	// Unlimited-bandwidth peers: whatever remains of bandwidth/dataTotal is
	// split flatly across them.
	if peersRemaining > 0 {
		if dataTotal <= bandwidth {
			throttle = wire.PeerSegmentThrottleScale
		} else {
			throttle = (bandwidth * wire.PeerSegmentThrottleScale) / dataTotal
		}

		for _, p := range peers {
			if !isActivePeer(p) || p.Net.OutgoingBandwidthThrottleEpoch() == serviceTime {
				continue
			}

			p.Net.SetSegmentThrottleLimit(throttle)
			if p.Net.SegmentThrottle() > p.Net.SegmentThrottleLimit() {
				p.Net.SetSegmentThrottle(p.Net.SegmentThrottleLimit())
			}
		}
	}

	if !e.Hub.RecalculateBandwidthLimits() {
		return
	}
	e.Hub.SetRecalculateBandwidthLimits(false)

	peersRemaining = uint32(e.Hub.ConnectedPeers())
	bandwidth = incomingBandwidth
	needsAdjustment = true

	if bandwidth == 0 {
		bandwidthLimit = 0
	} else {
		for peersRemaining > 0 && needsAdjustment {
			needsAdjustment = false
			bandwidthLimit = bandwidth / peersRemaining

			for _, p := range peers {
				if !isActivePeer(p) || p.Net.IncomingBandwidthThrottleEpoch() == serviceTime {
					continue
				}
				if p.Net.OutgoingBandwidth() > 0 && p.Net.OutgoingBandwidth() >= bandwidthLimit {
					continue
				}

				p.Net.SetIncomingBandwidthThrottleEpoch(serviceTime)

				needsAdjustment = true
				peersRemaining--

				bandwidth -= p.Net.OutgoingBandwidth()
			}
		}
	}

	for _, p := range peers {
		if !isActivePeer(p) {
			continue
		}

		msg := wire.Message{Header: wire.CommandHeader{
			Command:     wire.CommandBandwidthLimit,
			Acknowledge: true,
			ChannelID:   0xFF,
		}}
		msg.BandwidthLimit.OutgoingBandwidth = outgoingBandwidth
		if p.Net.IncomingBandwidthThrottleEpoch() == serviceTime {
			msg.BandwidthLimit.IncomingBandwidth = p.Net.OutgoingBandwidth()
		} else {
			msg.BandwidthLimit.IncomingBandwidth = bandwidthLimit
		}

		p.QueueOutgoingCommand(msg, nil, 0)
	}
}

// ResetPeer purges peer's bandwidth accounting from the dispatch hub (if it
// is still CONNECTED or DISCONNECT_LATER) and returns it to a blank,
// reusable state.
func (e *Engine) ResetPeer(p *peer.Peer) {
	if isActivePeer(p) {
		e.Hub.PurgePeer(p)
	}
	p.Reset()
}

// NotifyDisconnect tears a peer down on disconnect. A peer that never got
// past CONNECTION_SUCCEEDED (other than one still CONNECTING) is reset with
// no event. Otherwise, immediate=true resets the peer at once and returns
// its DISCONNECT event, carrying p.EventData, for the caller to deliver;
// immediate=false moves the peer to ZOMBIE, so DispatchIncomingCommands
// surfaces the event on a later call (spec §4.4).
func (e *Engine) NotifyDisconnect(p *peer.Peer, immediate bool) (dispatch.Event, bool) {
	e.Hub.FlagRecalculateBandwidthLimits(p)

	if p.Net.State() != command.StateConnecting && p.Net.State() <= command.StateConnectionSucceeded {
		e.ResetPeer(p)
		return dispatch.Event{}, false
	}

	if immediate {
		ev := dispatch.Event{Type: dispatch.EventDisconnect, Peer: p, Data: p.EventData}
		e.ResetPeer(p)
		return ev, true
	}

	p.EventData = 0
	e.Hub.ChangeState(p, command.StateZombie)
	return dispatch.Event{}, false
}

// DispatchIncomingCommands dequeues the next peer awaiting an event and
// produces exactly one: CONNECT, DISCONNECT, or RECEIVE of one
// reassembled segment. A peer with further segments still dispatchable
// is re-enqueued before returning (spec §4.4/§4.5 service-loop contract:
// one event per call).
func (e *Engine) DispatchIncomingCommands() (dispatch.Event, bool) {
	for e.Hub.PeerExists() {
		p := e.Hub.Dequeue()
		p.NeedsDispatch = false

		switch p.Net.State() {
		case command.StateConnectionPending, command.StateConnectionSucceeded:
			e.Hub.ChangeState(p, command.StateConnected)
			return dispatch.Event{Type: dispatch.EventConnect, Peer: p, Data: p.EventData}, true

		case command.StateZombie:
			e.Hub.SetRecalculateBandwidthLimits(true)
			ev := dispatch.Event{Type: dispatch.EventDisconnect, Peer: p, Data: p.EventData}
			e.ResetPeer(p)
			return ev, true

		case command.StateConnected:
			if !p.DispatchedCommandExists() {
				continue
			}

			seg, channelID := p.Receive()
			if seg == nil {
				continue
			}

			ev := dispatch.Event{Type: dispatch.EventReceive, Peer: p, ChannelID: channelID, Segment: seg}

			if p.DispatchedCommandExists() {
				p.NeedsDispatch = true
				e.Hub.Enqueue(p)
			}

			return ev, true
		}
	}

	return dispatch.Event{}, false
}

// DispatchIncomingReliableCommands pops channelID's now-deliverable
// prefix of reliable commands onto p's dispatch queue, enqueues p for
// event delivery if it isn't already, and cascades into the channel's
// unreliable queue — a reliable delivery can unblock unreliable commands
// that were waiting on it (spec §4.2).
func (e *Engine) DispatchIncomingReliableCommands(p *peer.Peer, channelID uint8) {
	ch := p.Channel(channelID)
	if ch == nil {
		return
	}

	reliable := ch.NewIncomingReliableCommands()
	if len(reliable) == 0 {
		return
	}

	p.PushIncomingCommands(channelID, reliable)

	if !p.NeedsDispatch {
		e.Hub.Enqueue(p)
		p.NeedsDispatch = true
	}

	if ch.IncomingUnreliableCommandExists() {
		e.DispatchIncomingUnreliableCommands(p, channelID)
	}
}

// DispatchIncomingUnreliableCommands pops channelID's now-deliverable
// unreliable commands onto p's dispatch queue. Left as an unimplemented
// TODO in the reference implementation; internal/channel's
// NewIncomingUnreliableCommands already carries the ordering logic this
// needs, so wiring it in here is the natural completion of the feature
// the spec's unreliable-delivery ordering guarantees require, rather than
// a new algorithm.
func (e *Engine) DispatchIncomingUnreliableCommands(p *peer.Peer, channelID uint8) {
	ch := p.Channel(channelID)
	if ch == nil {
		return
	}

	unreliable := ch.NewIncomingUnreliableCommands()
	if len(unreliable) == 0 {
		return
	}

	p.PushIncomingCommands(channelID, unreliable)

	if !p.NeedsDispatch {
		e.Hub.Enqueue(p)
		p.NeedsDispatch = true
	}
}

// HandleAcknowledge processes a received ACKNOWLEDGE: recovers the
// measured round-trip time from the echoed 16-bit sent-time, updates
// round-trip/timeout bookkeeping, and removes the matched command from
// the sender's outgoing queues. A state-appropriate CONNECT or DISCONNECT
// event overrides the plain RECEIVE_ACK outcome when the ack completes a
// handshake or teardown in progress (spec §4.5).
//
// disconnectNow is invoked (if non-nil) when this ack leaves a
// DISCONNECT_LATER peer with nothing left to send — the caller decides
// what "disconnect now" means at the host level (spec §4.4's "nothing
// left to drain" exit from DISCONNECT_LATER).
func (e *Engine) HandleAcknowledge(p *peer.Peer, msg wire.Message, serviceTime uint32, disconnectNow func(*peer.Peer)) (dispatch.Event, bool, error) {
	ev := dispatch.Event{Type: dispatch.EventReceiveAck, Peer: p}

	state := p.Net.State()
	if state == command.StateDisconnected || state == command.StateZombie {
		return ev, false, nil
	}

	receivedSentTime := uint32(msg.Acknowledge.ReceivedSentTime)
	receivedSentTime |= serviceTime & 0xFFFF0000
	if (receivedSentTime & 0x8000) > (serviceTime & 0x8000) {
		receivedSentTime -= 0x10000
	}

	if clock.Less(serviceTime, receivedSentTime) {
		return ev, false, nil
	}

	p.LastReceiveTime = serviceTime
	p.Pod.EarliestTimeout = 0

	rtt := clock.Difference(serviceTime, receivedSentTime)

	// Preserves protocol.cc's literal net->segment_throttle(round_trip_time)
	// call here: the measured round-trip time is assigned straight into
	// the segment-throttle field rather than fed through a round-trip-time
	// setter. Almost certainly a transcription slip in the original —
	// BandwidthThrottle is the only other writer of segment throttle, and
	// it works in PeerSegmentThrottleScale units, not milliseconds — but
	// per the project's preserved-ambiguity policy this is kept exactly as
	// observed rather than silently corrected (see DESIGN.md).
	p.Net.SetSegmentThrottle(rtt)
	p.UpdateRoundTripTimeVariance(rtt)

	commandID := p.RemoveSentReliableCommand(msg.Acknowledge.ReceivedReliableSequenceNumber, msg.Header.ChannelID)

	switch state {
	case command.StateAcknowledgingConnect:
		if commandID != wire.CommandVerifyConnect {
			return ev, false, ErrProtocol
		}
		return e.Hub.NotifyConnect(p), true, nil

	case command.StateDisconnecting:
		if commandID != wire.CommandDisconnect {
			return ev, false, ErrProtocol
		}
		connectEv, ok := e.NotifyDisconnect(p, true)
		return connectEv, ok, nil

	case command.StateDisconnectLater:
		if len(p.Pod.OutgoingReliable) == 0 && len(p.Pod.OutgoingUnreliable) == 0 && len(p.Pod.SentReliable) == 0 {
			if disconnectNow != nil {
				disconnectNow(p)
			}
		}
	}

	return ev, false, nil
}

// HandleBandwidthLimit copies a received BANDWIDTH_LIMIT command's caps
// into the peer's network state, resetting the segment-throttle ceiling
// to fully open when both directions report unlimited (spec §4.5's
// "clamped per HandleBandwidthLimit"). Left as an unimplemented TODO in
// the reference implementation; grounded here on BandwidthThrottle's own
// unlimited-bandwidth reset-to-scale idiom used throughout this file.
func (e *Engine) HandleBandwidthLimit(p *peer.Peer, msg wire.Message) {
	incoming := msg.BandwidthLimit.IncomingBandwidth
	outgoing := msg.BandwidthLimit.OutgoingBandwidth

	p.Net.SetIncomingBandwidth(incoming)
	p.Net.SetOutgoingBandwidth(outgoing)

	if incoming == 0 && outgoing == 0 {
		p.Net.SetSegmentThrottleLimit(wire.PeerSegmentThrottleScale)
	}
}

// HandleThrottleConfigure copies a received THROTTLE_CONFIGURE command's
// interval/acceleration/deceleration triple into the peer's network
// state (spec §4.5's "clamped per ... ThrottleConfigure" — the values
// themselves are opaque tuning knobs with no valid range to clamp to,
// so "clamped" here means simply accepting whatever the peer configured).
func (e *Engine) HandleThrottleConfigure(p *peer.Peer, msg wire.Message) {
	p.Net.SetSegmentThrottleInterval(msg.ThrottleConfigure.Interval)
	p.Net.SetSegmentThrottleAcceleration(msg.ThrottleConfigure.Acceleration)
	p.Net.SetSegmentThrottleDeceleration(msg.ThrottleConfigure.Deceleration)
}

// HandleConnect validates a received CONNECT's channel count and, if
// valid, initializes peer as the responder side of the handshake (spec
// §4.4). Reports whether the connect was accepted.
func (e *Engine) HandleConnect(p *peer.Peer, msg wire.Message, remoteAddr net.Addr, hostIncomingBandwidth, hostOutgoingBandwidth uint32, incomingPeerID uint16) bool {
	channelCount := msg.Connect.ChannelCount
	if channelCount < wire.MinimumChannelCount || channelCount > wire.MaximumChannelCount {
		return false
	}

	p.SetupConnectedPeer(msg.Connect, remoteAddr, hostIncomingBandwidth, hostOutgoingBandwidth, incomingPeerID)
	return true
}

// HandlePing is side-effect-free beyond the caller's last-receive-time
// refresh. The reference implementation's equivalent check ANDs together
// "is CONNECTED" and "is DISCONNECT_LATER" — two states a peer can never
// be in simultaneously — so the check can never fire; this is a known,
// documented ambiguity (not silently resolved the other way), and per its
// prescribed resolution PING always succeeds.
func (e *Engine) HandlePing(p *peer.Peer) error {
	return nil
}

// HandleSendFragment processes one fragment of a larger reliable or
// unreliable send (msg.Header.Command distinguishes SEND_FRAGMENT from
// SEND_UNRELIABLE_FRAGMENT): validates its window and bounds, allocates
// the reassembly buffer on the first fragment seen, copies this
// fragment's payload into it, and — once every fragment has arrived —
// hands the whole message to the matching dispatch path (spec §4.2
// fragmentation/reassembly; spec.md:123/195/233 require identical
// validation and reassembly for both commands).
func (e *Engine) HandleSendFragment(p *peer.Peer, msg wire.Message, payload []byte) error {
	if p.Net.State() != command.StateConnected && p.Net.State() != command.StateDisconnectLater {
		return ErrPeerNotConnected
	}

	ch := p.Channel(msg.Header.ChannelID)
	if ch == nil {
		return peer.ErrUnknownChannel
	}

	reliable := msg.Header.Command == wire.CommandSendFragment

	startSeq := msg.SendFragment.StartSequenceNumber
	startWindow := clock.WindowOf(startSeq)
	currentWindow := clock.WindowOf(ch.IncomingReliableSequenceNumber)

	if startSeq < ch.IncomingReliableSequenceNumber {
		startWindow += clock.ReliableWindows
	}

	if reliable && !clock.WindowInRange(startWindow, currentWindow) {
		return nil
	}

	fragmentCount := msg.SendFragment.FragmentCount
	fragmentNumber := msg.SendFragment.FragmentNumber
	fragmentOffset := msg.SendFragment.FragmentOffset
	totalLength := msg.SendFragment.TotalLength
	fragmentLength := uint32(msg.SendFragment.DataLength)

	if fragmentCount > wire.MaximumFragmentCount || fragmentNumber >= fragmentCount ||
		totalLength > wire.HostDefaultMaximumSegmentSize || fragmentOffset >= totalLength ||
		fragmentLength > totalLength-fragmentOffset {
		return ErrProtocol
	}

	if reliable {
		return e.handleReliableFragment(p, ch, msg, startSeq, fragmentNumber, fragmentOffset, totalLength, fragmentCount, payload)
	}
	return e.handleUnreliableFragment(p, ch, msg, fragmentNumber, fragmentOffset, totalLength, fragmentCount, payload)
}

// handleReliableFragment reassembles one fragment of a SEND_FRAGMENT
// message against the channel's reliable queue.
func (e *Engine) handleReliableFragment(p *peer.Peer, ch *channel.Channel, msg wire.Message, startSeq uint16, fragmentNumber, fragmentOffset, totalLength, fragmentCount uint32, payload []byte) error {
	first := ch.ExtractFirstCommand(startSeq, int(totalLength), fragmentCount)

	if first == nil {
		headMsg := msg
		headMsg.Header.ReliableSequenceNumber = startSeq

		ic, err := ch.QueueFragmentStart(headMsg, startSeq, int(totalLength), segment.FlagReliable, fragmentCount)
		if err != nil {
			return err
		}
		if ic == nil {
			return nil // duplicate fragment-start, already queued
		}
		ic.MarkFragmentReceived(fragmentNumber)
		ic.CopyFragmentedPayload(fragmentOffset, payload)
		return nil
	}

	if first.IsFragmentAlreadyReceived(fragmentNumber) {
		return nil
	}

	first.MarkFragmentReceived(fragmentNumber)
	first.CopyFragmentedPayload(fragmentOffset, payload)

	if first.IsAllFragmentsReceived() {
		e.DispatchIncomingReliableCommands(p, msg.Header.ChannelID)
	}

	return nil
}

// handleUnreliableFragment reassembles one fragment of a
// SEND_UNRELIABLE_FRAGMENT message against the channel's unreliable
// queue. The fragment group's start_sequence_number is the group's
// unreliable sequence number (the same field QueueIncoming uses to
// order whole unreliable sends); msg.Header.ReliableSequenceNumber is
// the ambient reliable watermark piggybacked on every fragment of the
// group, unchanged across fragments.
func (e *Engine) handleUnreliableFragment(p *peer.Peer, ch *channel.Channel, msg wire.Message, fragmentNumber, fragmentOffset, totalLength, fragmentCount uint32, payload []byte) error {
	reliableSeq := msg.Header.ReliableSequenceNumber
	unreliableSeq := msg.SendFragment.StartSequenceNumber

	first := ch.ExtractFirstUnreliableCommand(reliableSeq, unreliableSeq, fragmentCount)

	if first == nil {
		ic, err := ch.QueueUnreliableFragmentStart(reliableSeq, unreliableSeq, int(totalLength), segment.FlagUnreliableFragment, fragmentCount)
		if err != nil {
			return err
		}
		if ic == nil {
			return nil // duplicate fragment-start, already queued
		}
		ic.MarkFragmentReceived(fragmentNumber)
		ic.CopyFragmentedPayload(fragmentOffset, payload)
		return nil
	}

	if first.IsFragmentAlreadyReceived(fragmentNumber) {
		return nil
	}

	first.MarkFragmentReceived(fragmentNumber)
	first.CopyFragmentedPayload(fragmentOffset, payload)

	if first.IsAllFragmentsReceived() {
		e.DispatchIncomingUnreliableCommands(p, msg.Header.ChannelID)
	}

	return nil
}

// HandleSendReliable queues any non-fragmented incoming send (reliable,
// unreliable, or unsequenced) onto its channel and dispatches whichever
// of the reliable/unreliable delivery paths applies (spec §4.2/§4.5).
// Unsequenced commands are additionally deduplicated against the peer's
// unsequenced_window bitmap before queuing (spec §4.5, Testable Property 6).
func (e *Engine) HandleSendReliable(p *peer.Peer, msg wire.Message, payload []byte, flags segment.Flag) error {
	if msg.Header.Command == wire.CommandSendUnsequenced {
		group := msg.SendUnsequenced.UnsequencedGroup
		if p.UnsequencedWindowReceived(group) {
			return nil
		}
		p.MarkUnsequencedWindowReceived(group)
	}

	if err := p.QueueIncomingCommand(msg, payload, flags, 0, e.MaximumWaitingData); err != nil {
		return err
	}

	switch msg.Header.Command {
	case wire.CommandSendFragment, wire.CommandSendReliable:
		e.DispatchIncomingReliableCommands(p, msg.Header.ChannelID)
	default:
		e.DispatchIncomingUnreliableCommands(p, msg.Header.ChannelID)
	}

	return nil
}

// HandleVerifyConnect completes the initiator side of the handshake: an
// out-of-range channel count, a mismatched throttle configuration, or a
// mismatched connect id marks
// the peer ZOMBIE and reports ErrProtocol (the responder echoed back
// something that doesn't match what was sent); otherwise the negotiated
// parameters are adopted (clamped down only, same as SetupConnectedPeer's
// responder-side clamp) and the connection is handed to NotifyConnect
// (spec §4.4).
func (e *Engine) HandleVerifyConnect(p *peer.Peer, msg wire.Message) (dispatch.Event, bool, error) {
	if p.Net.State() != command.StateConnecting {
		return dispatch.Event{}, false, nil
	}

	vc := msg.Connect
	if vc.ChannelCount < wire.MinimumChannelCount || vc.ChannelCount > wire.MaximumChannelCount ||
		vc.SegmentThrottleInterval != p.Net.SegmentThrottleInterval() ||
		vc.SegmentThrottleAcceleration != p.Net.SegmentThrottleAcceleration() ||
		vc.SegmentThrottleDeceleration != p.Net.SegmentThrottleDeceleration() ||
		vc.ConnectID != p.ConnectID {
		p.EventData = 0
		e.Hub.ChangeState(p, command.StateZombie)
		return dispatch.Event{}, false, ErrProtocol
	}

	p.RemoveSentReliableCommand(1, 0xFF)
	p.OutgoingPeerID = vc.PeerID
	p.IncomingSessionID = vc.IncomingSessionID
	p.OutgoingSessionID = vc.OutgoingSessionID

	mtu := uint32(vc.MTU)
	if mtu < wire.MinimumMTU {
		mtu = wire.MinimumMTU
	} else if mtu > wire.MaximumMTU {
		mtu = wire.MaximumMTU
	}
	if mtu < p.Net.MTU() {
		p.Net.SetMTU(mtu)
	}

	windowSize := vc.WindowSize
	if windowSize < wire.MinimumWindowSize {
		windowSize = wire.MinimumWindowSize
	} else if windowSize > wire.MaximumWindowSize {
		windowSize = wire.MaximumWindowSize
	}
	if windowSize < p.Net.WindowSize() {
		p.Net.SetWindowSize(windowSize)
	}

	p.Net.SetIncomingBandwidth(vc.IncomingBandwidth)
	p.Net.SetOutgoingBandwidth(vc.OutgoingBandwidth)

	return e.Hub.NotifyConnect(p), true, nil
}

// HandleDisconnect processes a received DISCONNECT: clears the peer's
// queues and moves it towards ZOMBIE or AcknowledgingDisconnect depending
// on how far the connection had progressed (spec §4.4).
func (e *Engine) HandleDisconnect(p *peer.Peer, msg wire.Message) {
	state := p.Net.State()
	if state == command.StateDisconnected || state == command.StateZombie || state == command.StateAcknowledgingDisconnect {
		return
	}

	p.ResetQueues()

	switch {
	case state == command.StateConnectionSucceeded || state == command.StateDisconnecting || state == command.StateConnecting:
		e.Hub.ChangeState(p, command.StateZombie)

	case state != command.StateConnected && state != command.StateDisconnectLater:
		if state == command.StateConnectionPending {
			e.Hub.SetRecalculateBandwidthLimits(true)
		}
		p.Reset()

	case msg.Header.Acknowledge:
		e.Hub.ChangeState(p, command.StateAcknowledgingDisconnect)

	default:
		e.Hub.ChangeState(p, command.StateZombie)
	}

	if p.Net.State() != command.StateDisconnected {
		p.EventData = msg.Disconnect.Data
	}
}

// SendAcknowledgements drains p's pending acknowledgement queue into ch,
// ahead of any other outgoing command, stopping once ch has no more room
// (spec §4.6). An ack for a DISCONNECT moves the peer straight to ZOMBIE:
// once the other side has seen its disconnect acknowledged, nothing else
// needs to be sent to it.
func (e *Engine) SendAcknowledgements(p *peer.Peer, ch *chamber.Chamber) {
	for {
		ack, ok := p.PeekAcknowledgement()
		if !ok {
			return
		}

		msg := wire.Message{Header: wire.CommandHeader{
			Command:                wire.CommandAcknowledge,
			ChannelID:              ack.Header.ChannelID,
			ReliableSequenceNumber: ack.Header.ReliableSequenceNumber,
		}}
		msg.Acknowledge = wire.AcknowledgeBody{
			ReceivedReliableSequenceNumber: ack.Header.ReliableSequenceNumber,
			ReceivedSentTime:               uint16(ack.SentTime),
		}

		if !ch.SendingContinues(msg, wire.MaximumSegmentCommands) {
			return
		}

		p.PopAcknowledgement()
		ch.Add(msg)

		if ack.Header.Command == wire.CommandDisconnect {
			e.Hub.ChangeState(p, command.StateZombie)
		}
	}
}

// CheckTimeouts runs the retransmission-timeout check a send pass is
// required to perform before loading reliable commands (spec §4.7, "with
// timeout check via CommandPod.Timeout"). It reports whether p exceeded
// its retransmission limit and should be disconnected; the caller is
// responsible for turning that into a DISCONNECT event via
// NotifyDisconnect, since CheckTimeouts itself only observes.
func (e *Engine) CheckTimeouts(p *peer.Peer, serviceTime uint32) bool {
	return p.Pod.Timeout(p.Net, serviceTime)
}

// SendReliableOutgoingCommands drains p's outgoing reliable queue into
// ch, reporting whether no reliable command was ready to send — false as
// soon as one passes the window checks, even if it did not fit in ch — so
// the caller may still send a PING to keep the connection alive
// (spec §4.3).
func (e *Engine) SendReliableOutgoingCommands(p *peer.Peer, ch *chamber.Chamber, serviceTime uint32) bool {
	return p.LoadReliableIntoChamber(ch, serviceTime)
}

// SendUnreliableOutgoingCommands drains p's outgoing unreliable queue
// into ch, purging p from the dispatch hub's bandwidth accounting if this
// leaves a DISCONNECT_LATER peer fully drained (spec §4.3).
func (e *Engine) SendUnreliableOutgoingCommands(p *peer.Peer, ch *chamber.Chamber) {
	if p.LoadUnreliableIntoChamber(ch) {
		e.Hub.PurgePeer(p)
	}
}
