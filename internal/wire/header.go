package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrShortBuffer is wrapped with call-site context whenever a decode runs
// off the end of the supplied buffer.
var ErrShortBuffer = errors.New("wire: buffer too short")

// ErrUnknownCommand is returned when a command byte's low 4 bits do not
// name a known Command.
var ErrUnknownCommand = errors.New("wire: unknown command")

// ProtocolHeader is the 2- or 4-byte prefix of every datagram (spec §6).
type ProtocolHeader struct {
	PeerID      uint16
	SessionID   uint8
	Compressed  bool
	HasSentTime bool
	SentTime    uint16
}

// DecodeProtocolHeader parses the leading protocol header from buf and
// returns the number of bytes consumed.
func DecodeProtocolHeader(buf []byte) (ProtocolHeader, int, error) {
	if len(buf) < 2 {
		return ProtocolHeader{}, 0, errors.Wrap(ErrShortBuffer, "protocol header")
	}
	raw := binary.BigEndian.Uint16(buf)
	h := ProtocolHeader{
		PeerID:      raw & HeaderPeerIDMask,
		SessionID:   uint8((raw >> HeaderSessionShift) & HeaderSessionMask),
		Compressed:  raw&uint16(HeaderFlagCompressed) != 0,
		HasSentTime: raw&uint16(HeaderFlagSentTime) != 0,
	}
	consumed := 2
	if h.HasSentTime {
		if len(buf) < 4 {
			return ProtocolHeader{}, 0, errors.Wrap(ErrShortBuffer, "protocol header sent-time")
		}
		h.SentTime = binary.BigEndian.Uint16(buf[2:4])
		consumed = 4
	}
	return h, consumed, nil
}

// EncodeProtocolHeader appends the wire form of h to buf and returns the
// result.
func EncodeProtocolHeader(buf []byte, h ProtocolHeader) []byte {
	raw := h.PeerID & HeaderPeerIDMask
	raw |= uint16(h.SessionID&HeaderSessionMask) << HeaderSessionShift
	if h.Compressed {
		raw |= uint16(HeaderFlagCompressed)
	}
	if h.HasSentTime {
		raw |= uint16(HeaderFlagSentTime)
	}
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[0:2], raw)
	if h.HasSentTime {
		binary.BigEndian.PutUint16(tmp[2:4], h.SentTime)
		return append(buf, tmp[:4]...)
	}
	return append(buf, tmp[:2]...)
}

// CommandHeader is the fixed 4-byte header every command begins with.
type CommandHeader struct {
	Command                Command
	Acknowledge             bool
	Unsequenced             bool
	ChannelID               uint8
	ReliableSequenceNumber  uint16
}

// DecodeCommandHeader parses the 4-byte command header.
func DecodeCommandHeader(buf []byte) (CommandHeader, error) {
	if len(buf) < 4 {
		return CommandHeader{}, errors.Wrap(ErrShortBuffer, "command header")
	}
	b := buf[0]
	h := CommandHeader{
		Command:                Command(b & CommandMask),
		Acknowledge:            b&uint8(CommandFlagAcknowledge) != 0,
		Unsequenced:            b&uint8(CommandFlagUnsequenced) != 0,
		ChannelID:              buf[1],
		ReliableSequenceNumber: binary.BigEndian.Uint16(buf[2:4]),
	}
	if Size(h.Command) == 0 {
		return CommandHeader{}, errors.Wrapf(ErrUnknownCommand, "id=%d", b&CommandMask)
	}
	return h, nil
}

// EncodeCommandHeader appends the wire form of h to buf.
func EncodeCommandHeader(buf []byte, h CommandHeader) []byte {
	b := uint8(h.Command) & CommandMask
	if h.Acknowledge {
		b |= uint8(CommandFlagAcknowledge)
	}
	if h.Unsequenced {
		b |= uint8(CommandFlagUnsequenced)
	}
	var tmp [4]byte
	tmp[0] = b
	tmp[1] = h.ChannelID
	binary.BigEndian.PutUint16(tmp[2:4], h.ReliableSequenceNumber)
	return append(buf, tmp[:4]...)
}
