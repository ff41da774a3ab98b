package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProtocolHeaderRoundTrip(t *testing.T) {
	h := ProtocolHeader{PeerID: 42, SessionID: 2, Compressed: true, HasSentTime: true, SentTime: 0xBEEF}
	buf := EncodeProtocolHeader(nil, h)
	require.Len(t, buf, 4)

	got, n, err := DecodeProtocolHeader(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, h, got)
}

func TestCommandHeaderRoundTrip(t *testing.T) {
	h := CommandHeader{Command: CommandSendReliable, Acknowledge: true, ChannelID: 3, ReliableSequenceNumber: 777}
	buf := EncodeCommandHeader(nil, h)
	got, err := DecodeCommandHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestMessageRoundTripWithPayload(t *testing.T) {
	msg := Message{
		Header: CommandHeader{Command: CommandSendReliable, ChannelID: 1, ReliableSequenceNumber: 5},
		SendReliable: SendReliableBody{DataLength: 3},
		Payload:      []byte("hey"),
	}
	buf := Encode(nil, msg)
	require.Equal(t, WireSize(msg), len(buf))

	got, n, err := DecodeMessage(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, msg.Header, got.Header)
	require.Equal(t, msg.Payload, got.Payload)
}

func TestDecodeMessageUnknownCommand(t *testing.T) {
	buf := []byte{0x0F, 0, 0, 0}
	_, _, err := DecodeMessage(buf)
	require.Error(t, err)
}

func TestDecodeMessageShortBuffer(t *testing.T) {
	_, _, err := DecodeMessage([]byte{0, 0})
	require.Error(t, err)
}
