// Package chamber assembles one outgoing datagram at a time: the protocol
// header plus a run of (command, optional payload) pairs, bounded by the
// peer's MTU (spec §4.6).
package chamber

import (
	"encoding/binary"

	"github.com/rudpnet/rudp/internal/wire"
)

// Compressor optionally shrinks a datagram's command region before send.
// The zero value (nil) means no compression is configured.
type Compressor interface {
	Compress(in []byte) []byte
}

// Checksummer computes a checksum over the assembled datagram. When
// configured, Flush reserves a 4-byte slot right after the protocol
// header for the returned value (spec §4.6, §9's checksum callback).
type Checksummer interface {
	Checksum(datagram []byte) uint32
}

// Chamber stages one datagram's worth of commands. It is reused across
// send passes; Reset clears it for the next datagram.
type Chamber struct {
	header  wire.ProtocolHeader
	body    []byte
	cmdCount int

	segmentSize int
	mtu         int

	continueSending bool

	Compressor  Compressor
	Checksummer Checksummer
}

// New returns a Chamber staged for a peer with the given MTU.
func New(mtu int) *Chamber {
	return &Chamber{mtu: mtu}
}

// Reset clears all staged commands, ready for the next send pass.
func (c *Chamber) Reset(mtu int) {
	c.header = wire.ProtocolHeader{}
	c.body = c.body[:0]
	c.cmdCount = 0
	c.segmentSize = 0
	c.mtu = mtu
	c.continueSending = false
}

// SetHeader records the protocol header to prefix the datagram with.
func (c *Chamber) SetHeader(h wire.ProtocolHeader) {
	c.header = h
}

// RequireSentTime marks the datagram header as carrying a sent-time field,
// set once any reliable command is staged into the current datagram.
func (c *Chamber) RequireSentTime() {
	c.header.HasSentTime = true
}

// SegmentSize returns the number of command+payload bytes staged so far,
// not counting the protocol header.
func (c *Chamber) SegmentSize() int { return c.segmentSize }

// CommandCount returns how many commands have been staged.
func (c *Chamber) CommandCount() int { return c.cmdCount }

// SendingContinues reports whether msg (encoded) would still fit the
// remaining MTU budget, and whether the command-slot cap has not been
// reached. Callers stop loading more commands once this returns false.
func (c *Chamber) SendingContinues(msg wire.Message, maxSegmentCommands int) bool {
	if c.cmdCount >= maxSegmentCommands {
		c.continueSending = true
		return false
	}
	need := wire.WireSize(msg)
	headerSize := 2
	if c.header.HasSentTime {
		headerSize = 4
	}
	if headerSize+c.segmentSize+need > c.mtu {
		c.continueSending = true
		return false
	}
	return true
}

// ContinueSending reports whether the last SendingContinues call rejected
// a command for lack of room: the caller should flush and start a fresh
// datagram to carry it.
func (c *Chamber) ContinueSending() bool { return c.continueSending }

// Add appends an encoded command (and its payload, if any) to the
// datagram body.
func (c *Chamber) Add(msg wire.Message) {
	before := len(c.body)
	c.body = wire.Encode(c.body, msg)
	c.segmentSize += len(c.body) - before
	c.cmdCount++
}

// Empty reports whether no commands have been staged.
func (c *Chamber) Empty() bool { return c.cmdCount == 0 }

// Flush renders the complete datagram: protocol header, an optional
// checksum slot, staged commands (optionally compressed), ready to hand
// to a DatagramSocket.
func (c *Chamber) Flush() []byte {
	body := c.body
	header := c.header
	if c.Compressor != nil {
		if compressed := c.Compressor.Compress(body); len(compressed) < len(body) {
			body = compressed
			header.Compressed = true
		}
	}

	out := wire.EncodeProtocolHeader(nil, header)

	if c.Checksummer != nil {
		checksumOffset := len(out)
		out = append(out, 0, 0, 0, 0)
		out = append(out, body...)
		checksum := c.Checksummer.Checksum(out)
		binary.BigEndian.PutUint32(out[checksumOffset:checksumOffset+4], checksum)
		return out
	}

	return append(out, body...)
}
