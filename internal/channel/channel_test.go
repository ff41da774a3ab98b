package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

func reliableMsg(channelID uint8, seq uint16) wire.Message {
	return wire.Message{Header: wire.CommandHeader{
		Command:                wire.CommandSendReliable,
		ChannelID:              channelID,
		ReliableSequenceNumber: seq,
	}}
}

func TestQueueIncomingOrdersReliableBySequence(t *testing.T) {
	c := New()

	_, err := c.QueueIncoming(reliableMsg(0, 2), []byte("b"), 0, 0)
	require.NoError(t, err)
	_, err = c.QueueIncoming(reliableMsg(0, 1), []byte("a"), 0, 0)
	require.NoError(t, err)
	_, err = c.QueueIncoming(reliableMsg(0, 3), []byte("c"), 0, 0)
	require.NoError(t, err)

	require.Len(t, c.IncomingReliable, 3)
	require.Equal(t, uint16(1), c.IncomingReliable[0].ReliableSequenceNumber)
	require.Equal(t, uint16(2), c.IncomingReliable[1].ReliableSequenceNumber)
	require.Equal(t, uint16(3), c.IncomingReliable[2].ReliableSequenceNumber)
}

func TestQueueIncomingDiscardsDuplicateReliable(t *testing.T) {
	c := New()

	ic, err := c.QueueIncoming(reliableMsg(0, 1), []byte("a"), 0, 0)
	require.NoError(t, err)
	require.NotNil(t, ic)

	dup, err := c.QueueIncoming(reliableMsg(0, 1), []byte("a-again"), 0, 0)
	require.NoError(t, err)
	require.Nil(t, dup)
	require.Len(t, c.IncomingReliable, 1)
}

func TestQueueIncomingDiscardsAlreadyDeliveredSequence(t *testing.T) {
	c := New()
	c.IncomingReliableSequenceNumber = 5

	ic, err := c.QueueIncoming(reliableMsg(0, 5), []byte("stale"), 0, 0)
	require.NoError(t, err)
	require.Nil(t, ic)
}

func TestNewIncomingReliableCommandsPopsContiguousPrefix(t *testing.T) {
	c := New()
	_, _ = c.QueueIncoming(reliableMsg(0, 1), []byte("a"), 0, 0)
	_, _ = c.QueueIncoming(reliableMsg(0, 2), []byte("b"), 0, 0)
	_, _ = c.QueueIncoming(reliableMsg(0, 4), []byte("d"), 0, 0) // gap at 3

	delivered := c.NewIncomingReliableCommands()
	require.Len(t, delivered, 2)
	require.Equal(t, uint16(1), delivered[0].ReliableSequenceNumber)
	require.Equal(t, uint16(2), delivered[1].ReliableSequenceNumber)
	require.Equal(t, uint16(2), c.IncomingReliableSequenceNumber)
	require.Len(t, c.IncomingReliable, 1)

	_, _ = c.QueueIncoming(reliableMsg(0, 3), []byte("c"), 0, 0)
	delivered = c.NewIncomingReliableCommands()
	require.Len(t, delivered, 2)
	require.Equal(t, uint16(4), c.IncomingReliableSequenceNumber)
}

func TestNewIncomingReliableCommandsResetsUnreliableSequence(t *testing.T) {
	c := New()
	c.IncomingUnreliableSequenceNumber = 99

	_, _ = c.QueueIncoming(reliableMsg(0, 1), []byte("a"), 0, 0)
	c.NewIncomingReliableCommands()

	require.Equal(t, uint16(0), c.IncomingUnreliableSequenceNumber)
}

func TestQueueFragmentStartAndReassembly(t *testing.T) {
	c := New()

	ic, err := c.QueueFragmentStart(wire.Message{}, 1, 10, segment.FlagReliable, 2)
	require.NoError(t, err)
	require.NotNil(t, ic)
	require.False(t, ic.IsAllFragmentsReceived())

	ic.CopyFragmentedPayload(0, []byte("hello"))
	ic.MarkFragmentReceived(0)
	require.False(t, ic.IsAllFragmentsReceived())

	ic.CopyFragmentedPayload(5, []byte("world"))
	ic.MarkFragmentReceived(1)
	require.True(t, ic.IsAllFragmentsReceived())
	require.Equal(t, "helloworld", string(ic.Segment.Data))
}

func TestQueueUnreliableFragmentStartAndReassembly(t *testing.T) {
	c := New()

	ic, err := c.QueueUnreliableFragmentStart(0, 3, 10, segment.FlagUnreliableFragment, 2)
	require.NoError(t, err)
	require.NotNil(t, ic)
	require.False(t, ic.IsAllFragmentsReceived())

	ic.CopyFragmentedPayload(0, []byte("hello"))
	ic.MarkFragmentReceived(0)
	require.False(t, ic.IsAllFragmentsReceived())

	ic.CopyFragmentedPayload(5, []byte("world"))
	ic.MarkFragmentReceived(1)
	require.True(t, ic.IsAllFragmentsReceived())
	require.Equal(t, "helloworld", string(ic.Segment.Data))

	require.Same(t, ic, c.ExtractFirstUnreliableCommand(0, 3, 2))
}

func TestQueueUnreliableFragmentStartRejectsDuplicateGroup(t *testing.T) {
	c := New()

	ic, err := c.QueueUnreliableFragmentStart(0, 3, 10, segment.FlagUnreliableFragment, 2)
	require.NoError(t, err)
	require.NotNil(t, ic)

	dup, err := c.QueueUnreliableFragmentStart(0, 3, 10, segment.FlagUnreliableFragment, 2)
	require.NoError(t, err)
	require.Nil(t, dup)
	require.Len(t, c.IncomingUnreliable, 1)
}

func TestNewIncomingUnreliableCommandsWithholdsIncompleteFragmentGroup(t *testing.T) {
	c := New()

	ic, err := c.QueueUnreliableFragmentStart(0, 1, 10, segment.FlagUnreliableFragment, 2)
	require.NoError(t, err)
	ic.MarkFragmentReceived(0) // only one of two fragments received

	delivered := c.NewIncomingUnreliableCommands()
	require.Empty(t, delivered)

	ic.MarkFragmentReceived(1)
	delivered = c.NewIncomingUnreliableCommands()
	require.Len(t, delivered, 1)
}

func TestQueueIncomingOutOfWindowDiscarded(t *testing.T) {
	c := New()
	c.IncomingReliableSequenceNumber = 0

	farFuture := reliableMsg(0, uint16(clockWindowBoundary()))
	ic, err := c.QueueIncoming(farFuture, []byte("x"), 0, 0)
	require.NoError(t, err)
	require.Nil(t, ic)
}

// clockWindowBoundary returns a sequence number just past the accepted
// window range relative to sequence 0, to exercise the discard path
// without importing clock's unexported internals.
func clockWindowBoundary() uint32 {
	return (16 - 8 + 1) * 0x1000
}
