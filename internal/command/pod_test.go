package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudpnet/rudp/internal/wire"
)

type fakeChannel struct {
	windows       [16]uint16
	used          uint16
	outReliable   uint16
	outUnreliable uint16
}

func (c *fakeChannel) ReliableWindow(i uint32) uint16 { return c.windows[i%16] }
func (c *fakeChannel) MarkReliableWindowAsUsed(i uint32) { c.used |= 1 << (i % 16) }
func (c *fakeChannel) MarkReliableWindowAsUnused(i uint32) { c.used &^= 1 << (i % 16) }
func (c *fakeChannel) UsedReliableWindows() uint16 { return c.used }
func (c *fakeChannel) IncrementReliableWindow(i uint32) { c.windows[i%16]++ }
func (c *fakeChannel) DecrementReliableWindow(i uint32) {
	if c.windows[i%16] > 0 {
		c.windows[i%16]--
	}
}
func (c *fakeChannel) OutgoingReliableSequenceNumber() uint16   { return c.outReliable }
func (c *fakeChannel) OutgoingUnreliableSequenceNumber() uint16 { return c.outUnreliable }
func (c *fakeChannel) SetOutgoingUnreliableSequenceNumber(v uint16) { c.outUnreliable = v }
func (c *fakeChannel) IncrementOutgoingReliableSequenceNumber()   { c.outReliable++ }
func (c *fakeChannel) IncrementOutgoingUnreliableSequenceNumber() { c.outUnreliable++ }

type fakeChamber struct {
	added []wire.Message
	cap   int
}

func (c *fakeChamber) SendingContinues(msg wire.Message, maxSegmentCommands int) bool {
	return len(c.added) < c.cap
}
func (c *fakeChamber) Add(msg wire.Message) { c.added = append(c.added, msg) }
func (c *fakeChamber) RequireSentTime()     {}

type fakePeerNet struct {
	mtu             uint32
	windowSize      uint32
	segmentThrottle uint32
	segmentsLost    uint32
	throttleCounter uint32
	state           PeerState
}

func (n *fakePeerNet) MTU() uint32             { return n.mtu }
func (n *fakePeerNet) WindowSize() uint32      { return n.windowSize }
func (n *fakePeerNet) SegmentThrottle() uint32 { return n.segmentThrottle }
func (n *fakePeerNet) IncreaseSegmentsLost(d uint32) { n.segmentsLost += d }
func (n *fakePeerNet) UpdateSegmentThrottleCounter()  { n.throttleCounter++ }
func (n *fakePeerNet) ExceedsSegmentThrottleCounter() bool {
	return n.throttleCounter > wire.PeerSegmentThrottleScale
}
func (n *fakePeerNet) State() PeerState { return n.state }

func reliableOutgoing(channelID uint8, seq uint16) *OutgoingCommand {
	return &OutgoingCommand{
		Message: wire.Message{Header: wire.CommandHeader{
			Command:                wire.CommandSendReliable,
			ChannelID:              channelID,
			ReliableSequenceNumber: seq,
			Acknowledge:            true,
		}},
		ReliableSequenceNumber: seq,
	}
}

func TestSetupOutgoingCommandChannelLess(t *testing.T) {
	pod := New(nil)
	oc := &OutgoingCommand{Message: wire.Message{Header: wire.CommandHeader{Command: wire.CommandPing}}}

	pod.SetupOutgoingCommand(oc, nil)

	require.Equal(t, uint16(1), oc.ReliableSequenceNumber)
	require.Len(t, pod.OutgoingUnreliable, 1)
}

func TestSetupOutgoingCommandReliableUsesChannelCounter(t *testing.T) {
	pod := New(nil)
	ch := &fakeChannel{}
	oc := reliableOutgoing(0, 0)

	pod.SetupOutgoingCommand(oc, ch)

	require.Equal(t, uint16(1), oc.ReliableSequenceNumber)
	require.Len(t, pod.OutgoingReliable, 1)
}

func TestLoadReliableIntoChamberEmitsAndTracks(t *testing.T) {
	pod := New(nil)
	ch := &fakeChannel{}
	oc := reliableOutgoing(0, 1)
	pod.OutgoingReliable = append(pod.OutgoingReliable, oc)

	chamber := &fakeChamber{cap: 10}
	net := &fakePeerNet{mtu: 1400, windowSize: 4096, segmentThrottle: 32}

	canPing := pod.LoadReliableIntoChamber(chamber, net, []Channel{ch}, 1000)

	require.False(t, canPing)
	require.Len(t, chamber.added, 1)
	require.Len(t, pod.SentReliable, 1)
	require.Empty(t, pod.OutgoingReliable)
	require.Equal(t, uint32(1000), oc.SentTime)
	require.NotZero(t, oc.RoundTripTimeout)
}

func TestLoadReliableIntoChamberStopsWhenChamberFull(t *testing.T) {
	pod := New(nil)
	ch := &fakeChannel{}
	pod.OutgoingReliable = append(pod.OutgoingReliable, reliableOutgoing(0, 1), reliableOutgoing(0, 2))

	chamber := &fakeChamber{cap: 1}
	net := &fakePeerNet{mtu: 1400, windowSize: 4096, segmentThrottle: 32}

	pod.LoadReliableIntoChamber(chamber, net, []Channel{ch}, 1000)

	require.Len(t, chamber.added, 1)
	require.Len(t, pod.OutgoingReliable, 1)
}

func TestRemoveSentReliableCommandMatchesSentQueue(t *testing.T) {
	pod := New(nil)
	ch := &fakeChannel{}
	oc := reliableOutgoing(0, 5)
	ch.IncrementReliableWindow(0)
	pod.SentReliable = append(pod.SentReliable, oc)

	id := pod.RemoveSentReliableCommand(5, 0, ch)

	require.Equal(t, wire.CommandSendReliable, id)
	require.Empty(t, pod.SentReliable)
	require.Equal(t, uint16(0), ch.ReliableWindow(0))
}

func TestRemoveSentReliableCommandFallsBackToOutgoingAfterAttempt(t *testing.T) {
	pod := New(nil)
	oc := reliableOutgoing(0, 9)
	oc.SendAttempts = 1
	pod.OutgoingReliable = append(pod.OutgoingReliable, oc)

	id := pod.RemoveSentReliableCommand(9, 0, nil)

	require.Equal(t, wire.CommandSendReliable, id)
	require.Empty(t, pod.OutgoingReliable)
}

func TestRemoveSentReliableCommandNoMatch(t *testing.T) {
	pod := New(nil)
	id := pod.RemoveSentReliableCommand(42, 0, nil)
	require.Equal(t, wire.CommandNone, id)
}

func TestTimeoutRequeuesOverdueCommand(t *testing.T) {
	pod := New(nil)
	oc := reliableOutgoing(0, 1)
	oc.SentTime = 1 // avoid the 0-sentinel collision in earliest_timeout tracking
	oc.RoundTripTimeout = 100
	oc.RoundTripTimeoutLimit = 100000
	pod.SentReliable = append(pod.SentReliable, oc)
	pod.TimeoutMaximum = 100000
	pod.TimeoutMinimum = 100000

	net := &fakePeerNet{}
	disconnect := pod.Timeout(net, 500)

	require.False(t, disconnect)
	require.Equal(t, uint32(1), net.segmentsLost)
	require.Equal(t, uint32(200), oc.RoundTripTimeout)
	require.Len(t, pod.OutgoingReliable, 1)
	require.Empty(t, pod.SentReliable)
}

func TestTimeoutDisconnectsWhenLimitsExceeded(t *testing.T) {
	pod := New(nil)
	oc := reliableOutgoing(0, 1)
	oc.SentTime = 1 // avoid the 0-sentinel collision in earliest_timeout tracking
	oc.RoundTripTimeout = 100
	oc.RoundTripTimeoutLimit = 50 // already at/over its rtt timeout limit
	pod.SentReliable = append(pod.SentReliable, oc)
	pod.TimeoutMinimum = 100
	pod.TimeoutMaximum = 100000000

	net := &fakePeerNet{}
	disconnect := pod.Timeout(net, 100000)

	require.True(t, disconnect)
}
