package chamber

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rudpnet/rudp/internal/wire"
)

func pingMsg() wire.Message {
	return wire.Message{Header: wire.CommandHeader{Command: wire.CommandPing}}
}

func TestChamberAddAndFlush(t *testing.T) {
	c := New(576)
	c.SetHeader(wire.ProtocolHeader{PeerID: 7})

	require.True(t, c.Empty())
	c.Add(pingMsg())
	require.False(t, c.Empty())
	require.Equal(t, 1, c.CommandCount())

	out := c.Flush()
	require.Equal(t, uint16(7), binary.BigEndian.Uint16(out[0:2])&wire.HeaderPeerIDMask)

	got, n, err := wire.DecodeMessage(out[2:])
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, wire.CommandPing, got.Header.Command)
}

func TestSendingContinuesStopsAtMTU(t *testing.T) {
	c := New(12) // 2 header + room for exactly two 4-byte pings
	msg := pingMsg()

	require.True(t, c.SendingContinues(msg, 32))
	c.Add(msg)
	require.True(t, c.SendingContinues(msg, 32))
	c.Add(msg)
	// a third ping would overflow the MTU budget
	require.False(t, c.SendingContinues(msg, 32))
	require.True(t, c.ContinueSending())
}

func TestSendingContinuesStopsAtCommandCap(t *testing.T) {
	c := New(4096)
	msg := pingMsg()
	require.False(t, c.SendingContinues(msg, 0))
	require.True(t, c.ContinueSending())
}

type fixedChecksummer struct{ value uint32 }

func (f fixedChecksummer) Checksum(datagram []byte) uint32 { return f.value }

func TestFlushWritesChecksumSlot(t *testing.T) {
	c := New(576)
	c.Checksummer = fixedChecksummer{value: 0xDEADBEEF}
	c.SetHeader(wire.ProtocolHeader{PeerID: 1})
	c.Add(pingMsg())

	out := c.Flush()
	require.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(out[2:6]))
}

type upperCompressor struct{}

func (upperCompressor) Compress(in []byte) []byte {
	out := make([]byte, len(in)/2)
	return out
}

func TestFlushMarksCompressedWhenSmaller(t *testing.T) {
	c := New(576)
	c.Compressor = upperCompressor{}
	c.SetHeader(wire.ProtocolHeader{PeerID: 1})
	c.Add(pingMsg())
	c.Add(pingMsg())

	out := c.Flush()
	raw := binary.BigEndian.Uint16(out[0:2])
	require.NotZero(t, raw&uint16(wire.HeaderFlagCompressed))
}
