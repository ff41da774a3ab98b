package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/peer"
)

func TestEnqueueDequeueFIFOAndDedup(t *testing.T) {
	h := New()
	p1 := peer.New(1, 0)
	p2 := peer.New(1, 1)

	h.Enqueue(p1)
	h.Enqueue(p2)
	h.Enqueue(p1) // already queued, must not duplicate

	require.True(t, h.PeerExists())
	require.Same(t, p1, h.Dequeue())
	require.Same(t, p2, h.Dequeue())
	require.False(t, h.PeerExists())
	require.Nil(t, h.Dequeue())
}

func TestChangeStateMergesAndPurgesOnConnectedTransition(t *testing.T) {
	h := New()
	p := peer.New(1, 0)
	p.Net.SetIncomingBandwidth(1000)

	h.ChangeState(p, command.StateConnected)
	require.Equal(t, 1, h.ConnectedPeers())
	require.Equal(t, 1, h.BandwidthLimitedPeers())

	h.ChangeState(p, command.StateZombie)
	require.Equal(t, 0, h.ConnectedPeers())
	require.Equal(t, 0, h.BandwidthLimitedPeers())
}

func TestChangeStateNoDoubleCountWithinActiveStates(t *testing.T) {
	h := New()
	p := peer.New(1, 0)

	h.ChangeState(p, command.StateConnected)
	h.ChangeState(p, command.StateDisconnectLater)

	require.Equal(t, 1, h.ConnectedPeers())
}

func TestNotifyConnectEnqueuesAndFillsEvent(t *testing.T) {
	h := New()
	p := peer.New(1, 0)
	p.EventData = 42

	ev := h.NotifyConnect(p)

	require.Equal(t, EventConnect, ev.Type)
	require.Same(t, p, ev.Peer)
	require.Equal(t, uint32(42), ev.Data)
	require.True(t, p.InDispatchQueue)
}

func TestFlagRecalculateBandwidthLimitsPastConnectionPending(t *testing.T) {
	h := New()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnected)

	h.FlagRecalculateBandwidthLimits(p)

	require.True(t, h.RecalculateBandwidthLimits())
}

func TestFlagRecalculateBandwidthLimitsNoOpBeforeConnectionPending(t *testing.T) {
	h := New()
	p := peer.New(1, 0)
	p.Net.SetState(command.StateConnecting)

	h.FlagRecalculateBandwidthLimits(p)

	require.False(t, h.RecalculateBandwidthLimits())
}
