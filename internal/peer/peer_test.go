package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

func TestNetResetDefaults(t *testing.T) {
	n := NewNet()

	require.Equal(t, command.StateDisconnected, n.State())
	require.Equal(t, uint32(1400), n.MTU())
	require.Equal(t, uint32(65536), n.WindowSize())
	require.Equal(t, uint32(32), n.SegmentThrottle())
}

func TestNetSetupDerivesWindowFromBandwidth(t *testing.T) {
	n := NewNet()
	n.SetOutgoingBandwidth(65536 * 10) // -> 10 * MinimumWindowSize, within bounds

	n.Setup()

	require.Equal(t, command.StateConnecting, n.State())
	require.Equal(t, uint32(40960), n.WindowSize())
}

func TestNetSetupClampsToMinimumWindow(t *testing.T) {
	n := NewNet()
	n.SetOutgoingBandwidth(1) // tiny bandwidth -> below MinimumWindowSize

	n.Setup()

	require.Equal(t, uint32(4096), n.WindowSize())
}

func TestNetSetupUnlimitedBandwidthUsesMaximumWindow(t *testing.T) {
	n := NewNet()

	n.Setup()

	require.Equal(t, uint32(65536), n.WindowSize())
}

func TestUpdateSegmentThrottleCounterWraps(t *testing.T) {
	n := NewNet()

	for i := 0; i < 5; i++ {
		n.UpdateSegmentThrottleCounter()
	}

	require.Equal(t, uint32(35%32), n.segmentThrottleCounter)
}

func TestCalculateSegmentLossNoTraffic(t *testing.T) {
	n := NewNet()
	n.CalculateSegmentLoss(1000)
	require.Equal(t, uint32(1000), n.segmentLossEpoch)
	require.Equal(t, uint32(0), n.segmentLoss)
}

func TestCalculateSegmentLossTracksLostRatio(t *testing.T) {
	n := NewNet()
	n.IncreaseSegmentsSent(100)
	n.IncreaseSegmentsLost(10)

	n.CalculateSegmentLoss(2000)

	require.NotZero(t, n.segmentLoss)
	require.Equal(t, uint32(0), n.segmentsSent)
	require.Equal(t, uint32(0), n.segmentsLost)
}

func TestPeerChannelBounds(t *testing.T) {
	p := New(2, 0)

	require.NotNil(t, p.Channel(0))
	require.NotNil(t, p.Channel(1))
	require.Nil(t, p.Channel(2))
}

func TestPeerUnsequencedWindowRoundTrip(t *testing.T) {
	p := New(1, 0)

	require.False(t, p.UnsequencedWindowReceived(5))
	p.MarkUnsequencedWindowReceived(5)
	require.True(t, p.UnsequencedWindowReceived(5))

	p.ResetUnsequencedWindow()
	require.False(t, p.UnsequencedWindowReceived(5))
}

func TestPeerReceiveDrainsQueuedSegments(t *testing.T) {
	p := New(1, 0)
	ch := p.Channel(0)

	ic, err := ch.QueueIncoming(wire.Message{Header: wire.CommandHeader{
		Command:                wire.CommandSendReliable,
		ReliableSequenceNumber: 1,
	}}, []byte("hello"), segment.FlagReliable, 0)
	require.NoError(t, err)
	require.NotNil(t, ic)

	p.PushIncomingCommands(0, ch.NewIncomingReliableCommands())
	require.True(t, p.DispatchedCommandExists())

	seg, channelID := p.Receive()
	require.NotNil(t, seg)
	require.Equal(t, uint8(0), channelID)
	require.Equal(t, []byte("hello"), seg.Data)
	require.False(t, p.DispatchedCommandExists())
}

func TestPeerAcknowledgementQueueFIFO(t *testing.T) {
	p := New(1, 0)
	require.False(t, p.AcknowledgementExists())

	p.QueueAcknowledgement(wire.CommandHeader{ReliableSequenceNumber: 1}, 100)
	p.QueueAcknowledgement(wire.CommandHeader{ReliableSequenceNumber: 2}, 200)

	ack, ok := p.PopAcknowledgement()
	require.True(t, ok)
	require.Equal(t, uint16(1), ack.Header.ReliableSequenceNumber)

	ack, ok = p.PopAcknowledgement()
	require.True(t, ok)
	require.Equal(t, uint16(2), ack.Header.ReliableSequenceNumber)

	_, ok = p.PopAcknowledgement()
	require.False(t, ok)
}

func TestPeerUpdateRoundTripTimeVarianceTracksFasterRTT(t *testing.T) {
	p := New(1, 0)
	before := p.Pod.RoundTripTime

	p.UpdateRoundTripTimeVariance(10)

	require.Less(t, p.Pod.RoundTripTime, before)
	require.NotZero(t, p.Pod.RoundTripTimeVariance)
}

func TestPeerSetupConnectedPeerClampsDownOnly(t *testing.T) {
	p := New(1, 0)

	p.SetupConnectedPeer(wire.ConnectBody{
		PeerID:                      7,
		MTU:                         1000,
		WindowSize:                  8192,
		ConnectID:                   0xABCD,
		SegmentThrottleInterval:     1000,
		SegmentThrottleAcceleration: 3,
		SegmentThrottleDeceleration: 4,
	}, nil, 0, 0, 3)

	require.Equal(t, command.StateAcknowledgingConnect, p.Net.State())
	require.Equal(t, uint16(7), p.OutgoingPeerID)
	require.Equal(t, uint16(3), p.IncomingPeerID)
	require.Equal(t, uint32(0xABCD), p.ConnectID)
	require.Equal(t, uint32(1000), p.Net.MTU())   // clamps down from the 1400 default
	require.Equal(t, uint32(8192), p.Net.WindowSize())
}

func TestPodAvailablePeerAndRelease(t *testing.T) {
	pod := NewPod(2, 1, 0)

	p1, err := pod.AvailablePeer()
	require.NoError(t, err)
	p2, err := pod.AvailablePeer()
	require.NoError(t, err)
	require.NotSame(t, p1, p2)

	_, err = pod.AvailablePeer()
	require.ErrorIs(t, err, ErrPodFull)

	pod.Release(p1)
	p3, err := pod.AvailablePeer()
	require.NoError(t, err)
	require.Same(t, p1, p3)
}

func TestPodDuplicatePeersCap(t *testing.T) {
	pod := NewPod(4, 1, 2)

	require.False(t, pod.IncrementDuplicatePeers())
	require.False(t, pod.IncrementDuplicatePeers())
	require.True(t, pod.IncrementDuplicatePeers())
	pod.DecrementDuplicatePeers() // undo the rejected attempt, as Host.bootstrapPeer does

	pod.DecrementDuplicatePeers()
	require.False(t, pod.IncrementDuplicatePeers())
}

func TestPodConnectedPeers(t *testing.T) {
	pod := NewPod(3, 1, 0)

	require.Empty(t, pod.ConnectedPeers())

	p, err := pod.AvailablePeer()
	require.NoError(t, err)

	require.Equal(t, []*Peer{p}, pod.ConnectedPeers())
}
