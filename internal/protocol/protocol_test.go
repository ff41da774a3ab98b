package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudpnet/rudp/internal/chamber"
	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/dispatch"
	"github.com/rudpnet/rudp/internal/peer"
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

func newEngine() (*Engine, *dispatch.Hub) {
	hub := dispatch.New()
	return New(hub, nil), hub
}

func TestHandleConnectRejectsBadChannelCount(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)

	ok := e.HandleConnect(p, wire.Message{Connect: wire.ConnectBody{ChannelCount: 0}}, nil, 0, 0, 1)
	require.False(t, ok)
}

func TestHandleConnectSetsUpResponder(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(2, 0)

	ok := e.HandleConnect(p, wire.Message{Connect: wire.ConnectBody{
		PeerID:       5,
		MTU:          1000,
		WindowSize:   8192,
		ChannelCount: 2,
		ConnectID:    0xBEEF,
	}}, nil, 0, 0, 3)

	require.True(t, ok)
	require.Equal(t, command.StateAcknowledgingConnect, p.Net.State())
	require.Equal(t, uint16(3), p.IncomingPeerID)
}

func TestHandleVerifyConnectMismatchGoesZombie(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnecting)
	p.ConnectID = 0xAAAA

	_, handled, err := e.HandleVerifyConnect(p, wire.Message{Connect: wire.ConnectBody{
		ChannelCount: 1,
		ConnectID:    0xBBBB,
	}})

	require.ErrorIs(t, err, ErrProtocol)
	require.False(t, handled)
	require.Equal(t, command.StateZombie, p.Net.State())
}

func TestHandleVerifyConnectSucceedsAdoptsParameters(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnecting)
	p.ConnectID = 0xAAAA

	ev, handled, err := e.HandleVerifyConnect(p, wire.Message{Connect: wire.ConnectBody{
		ChannelCount:                1,
		ConnectID:                   0xAAAA,
		MTU:                         1000,
		WindowSize:                  8192,
		PeerID:                      9,
		SegmentThrottleInterval:     p.Net.SegmentThrottleInterval(),
		SegmentThrottleAcceleration: p.Net.SegmentThrottleAcceleration(),
		SegmentThrottleDeceleration: p.Net.SegmentThrottleDeceleration(),
	}})

	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, dispatch.EventConnect, ev.Type)
	require.Equal(t, uint32(1000), p.Net.MTU())
	require.Equal(t, uint16(9), p.OutgoingPeerID)
}

func TestHandlePingSucceedsRegardlessOfState(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)

	require.NoError(t, e.HandlePing(p))
}

func TestHandlePingAcceptsConnectedPeer(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	require.NoError(t, e.HandlePing(p))
}

func TestHandleSendReliableQueuesAndDispatchesInOrder(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	msg := wire.Message{Header: wire.CommandHeader{
		Command:                wire.CommandSendReliable,
		ChannelID:              0,
		ReliableSequenceNumber: 1,
	}}

	err := e.HandleSendReliable(p, msg, []byte("hello"), segment.FlagReliable)
	require.NoError(t, err)
	require.True(t, p.DispatchedCommandExists())

	seg, channelID := p.Receive()
	require.NotNil(t, seg)
	require.Equal(t, uint8(0), channelID)
	require.Equal(t, []byte("hello"), seg.Data)
}

func TestHandleSendFragmentReassemblesAndDispatchesOnLastFragment(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	base := wire.Message{Header: wire.CommandHeader{
		Command:   wire.CommandSendFragment,
		ChannelID: 0,
	}}
	base.SendFragment = wire.SendFragmentBody{
		StartSequenceNumber: 1,
		FragmentCount:       2,
		TotalLength:         10,
	}

	first := base
	first.SendFragment.FragmentNumber = 0
	first.SendFragment.FragmentOffset = 0
	first.SendFragment.DataLength = 5
	require.NoError(t, e.HandleSendFragment(p, first, []byte("01234")))
	require.False(t, p.DispatchedCommandExists())

	second := base
	second.SendFragment.FragmentNumber = 1
	second.SendFragment.FragmentOffset = 5
	second.SendFragment.DataLength = 5
	require.NoError(t, e.HandleSendFragment(p, second, []byte("56789")))

	require.True(t, p.DispatchedCommandExists())
	seg, _ := p.Receive()
	require.Equal(t, []byte("0123456789"), seg.Data)
}

func TestHandleSendFragmentRejectsBadBounds(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	msg := wire.Message{Header: wire.CommandHeader{Command: wire.CommandSendFragment, ChannelID: 0}}
	msg.SendFragment = wire.SendFragmentBody{
		StartSequenceNumber: 1,
		FragmentCount:       2,
		FragmentNumber:      0,
		TotalLength:         10,
		FragmentOffset:      8,
		DataLength:          5, // 8+5 > 10
	}

	err := e.HandleSendFragment(p, msg, []byte("xxxxx"))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestHandleSendUnsequencedDropsDuplicateGroup(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	msg := wire.Message{Header: wire.CommandHeader{
		Command:     wire.CommandSendUnsequenced,
		ChannelID:   0,
		Unsequenced: true,
	}}
	msg.SendUnsequenced = wire.SendUnsequencedBody{UnsequencedGroup: 7}

	require.NoError(t, e.HandleSendReliable(p, msg, []byte("first"), segment.FlagUnsequenced))
	require.True(t, p.DispatchedCommandExists())
	seg, _ := p.Receive()
	require.Equal(t, []byte("first"), seg.Data)

	require.NoError(t, e.HandleSendReliable(p, msg, []byte("dup"), segment.FlagUnsequenced))
	require.False(t, p.DispatchedCommandExists(), "duplicate unsequenced group must be dropped, not queued")
}

func TestHandleSendFragmentReassemblesUnreliableFragments(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	base := wire.Message{Header: wire.CommandHeader{
		Command:   wire.CommandSendUnreliableFragment,
		ChannelID: 0,
	}}
	base.SendFragment = wire.SendFragmentBody{
		StartSequenceNumber: 3, // the unreliable group id, not a reliable sequence number
		FragmentCount:       2,
		TotalLength:         10,
	}

	first := base
	first.SendFragment.FragmentNumber = 0
	first.SendFragment.FragmentOffset = 0
	first.SendFragment.DataLength = 5
	require.NoError(t, e.HandleSendFragment(p, first, []byte("01234")))
	require.False(t, p.DispatchedCommandExists())

	second := base
	second.SendFragment.FragmentNumber = 1
	second.SendFragment.FragmentOffset = 5
	second.SendFragment.DataLength = 5
	require.NoError(t, e.HandleSendFragment(p, second, []byte("56789")))

	require.True(t, p.DispatchedCommandExists())
	seg, _ := p.Receive()
	require.Equal(t, []byte("0123456789"), seg.Data)
}

func TestHandleAcknowledgeCompletesConnectHandshake(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateAcknowledgingConnect)

	oc := p.QueueOutgoingCommand(wire.Message{Header: wire.CommandHeader{
		Command:     wire.CommandVerifyConnect,
		ChannelID:   0xFF,
		Acknowledge: true,
	}}, nil, 0)
	require.NotNil(t, oc)
	require.Equal(t, 1, len(p.Pod.OutgoingReliable))
	p.Pod.OutgoingReliable = nil
	p.Pod.SentReliable = append(p.Pod.SentReliable, oc)
	oc.SentTime = 0

	ackMsg := wire.Message{Header: wire.CommandHeader{ChannelID: 0xFF}}
	ackMsg.Acknowledge = wire.AcknowledgeBody{
		ReceivedReliableSequenceNumber: oc.ReliableSequenceNumber,
		ReceivedSentTime:               0,
	}

	ev, handled, err := e.HandleAcknowledge(p, ackMsg, 50, nil)
	require.NoError(t, err)
	require.True(t, handled)
	require.Equal(t, dispatch.EventConnect, ev.Type)
	require.Equal(t, uint32(50), p.Net.SegmentThrottle()) // preserved quirk: rtt assigned into segment throttle
}

func TestHandleAcknowledgeMismatchReturnsProtocolError(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateAcknowledgingConnect)

	ackMsg := wire.Message{Header: wire.CommandHeader{ChannelID: 0xFF}}
	ackMsg.Acknowledge = wire.AcknowledgeBody{ReceivedReliableSequenceNumber: 999, ReceivedSentTime: 0}

	_, handled, err := e.HandleAcknowledge(p, ackMsg, 10, nil)
	require.ErrorIs(t, err, ErrProtocol)
	require.False(t, handled)
}

func TestHandleDisconnectMovesConnectedPeerToAcknowledging(t *testing.T) {
	e, hub := newEngine()
	p := peer.New(1, 0)
	hub.ChangeState(p, command.StateConnected)

	msg := wire.Message{Header: wire.CommandHeader{Acknowledge: true}}
	msg.Disconnect = wire.DisconnectBody{Data: 7}

	e.HandleDisconnect(p, msg)

	require.Equal(t, command.StateAcknowledgingDisconnect, p.Net.State())
	require.Equal(t, uint32(7), p.EventData)
}

func TestHandleDisconnectWhileConnectingGoesZombie(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnecting)

	e.HandleDisconnect(p, wire.Message{})

	require.Equal(t, command.StateZombie, p.Net.State())
}

func TestHandleBandwidthLimitCopiesCapsAndResetsThrottleWhenUnlimited(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)

	msg := wire.Message{BandwidthLimit: wire.BandwidthLimitBody{IncomingBandwidth: 0, OutgoingBandwidth: 0}}
	e.HandleBandwidthLimit(p, msg)

	require.Equal(t, uint32(0), p.Net.IncomingBandwidth())
	require.Equal(t, uint32(wire.PeerSegmentThrottleScale), p.Net.SegmentThrottleLimit())
}

func TestHandleThrottleConfigureCopiesTriple(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)

	e.HandleThrottleConfigure(p, wire.Message{ThrottleConfigure: wire.ThrottleConfigureBody{
		Interval: 2000, Acceleration: 4, Deceleration: 5,
	}})

	require.Equal(t, uint32(2000), p.Net.SegmentThrottleInterval())
	require.Equal(t, uint32(4), p.Net.SegmentThrottleAcceleration())
	require.Equal(t, uint32(5), p.Net.SegmentThrottleDeceleration())
}

func TestDispatchIncomingCommandsDeliversConnect(t *testing.T) {
	e, hub := newEngine()
	p := peer.New(1, 0)
	hub.ChangeState(p, command.StateConnectionPending)
	hub.Enqueue(p)

	ev, ok := e.DispatchIncomingCommands()
	require.True(t, ok)
	require.Equal(t, dispatch.EventConnect, ev.Type)
	require.Equal(t, command.StateConnected, p.Net.State())
}

func TestSendAcknowledgementsDrainsQueueIntoChamberInOrder(t *testing.T) {
	e, _ := newEngine()
	p := peer.New(1, 0)
	p.QueueAcknowledgement(wire.CommandHeader{ReliableSequenceNumber: 1}, 10)
	p.QueueAcknowledgement(wire.CommandHeader{ReliableSequenceNumber: 2}, 20)

	ch := chamber.New(int(wire.DefaultMTU))
	e.SendAcknowledgements(p, ch)

	require.False(t, p.AcknowledgementExists())
	require.Equal(t, 2, ch.CommandCount())
}

func TestBandwidthThrottleSkipsBeforeIntervalElapsed(t *testing.T) {
	e, hub := newEngine()
	p := peer.New(1, 0)
	hub.ChangeState(p, command.StateConnected)

	e.BandwidthThrottle(100, 0, 1000, []*peer.Peer{p})
	require.Equal(t, uint32(wire.PeerSegmentThrottleScale), p.Net.SegmentThrottleLimit())
}
