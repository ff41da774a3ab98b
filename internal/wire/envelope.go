package wire

import "github.com/pkg/errors"

// Message is a decoded command: header plus whichever command-specific
// body applies (selected by Header.Command) plus any trailing payload.
// A small tagged union, per spec §9, rather than virtual dispatch.
type Message struct {
	Header CommandHeader

	Connect           ConnectBody
	Disconnect        DisconnectBody
	Acknowledge       AcknowledgeBody
	SendReliable      SendReliableBody
	SendUnreliable    SendUnreliableBody
	SendUnsequenced   SendUnsequencedBody
	SendFragment      SendFragmentBody
	BandwidthLimit    BandwidthLimitBody
	ThrottleConfigure ThrottleConfigureBody

	Payload []byte
}

// DecodeMessage parses one command (header, body, and payload if any)
// from the front of buf and returns the number of bytes consumed.
func DecodeMessage(buf []byte) (Message, int, error) {
	header, err := DecodeCommandHeader(buf)
	if err != nil {
		return Message{}, 0, err
	}

	size := Size(header.Command)
	if len(buf) < size {
		return Message{}, 0, errors.Wrapf(ErrShortBuffer, "command body id=%d", header.Command)
	}

	msg := Message{Header: header}
	body := buf[4:size]

	switch header.Command {
	case CommandConnect:
		msg.Connect = DecodeConnectBody(body)
	case CommandVerifyConnect:
		msg.Connect = DecodeConnectBody(body)
	case CommandDisconnect:
		msg.Disconnect = DecodeDisconnectBody(body)
	case CommandAcknowledge:
		msg.Acknowledge = DecodeAcknowledgeBody(body)
	case CommandPing:
		// no body
	case CommandSendReliable:
		msg.SendReliable = DecodeSendReliableBody(body)
	case CommandSendUnreliable:
		msg.SendUnreliable = DecodeSendUnreliableBody(body)
	case CommandSendUnsequenced:
		msg.SendUnsequenced = DecodeSendUnsequencedBody(body)
	case CommandSendFragment, CommandSendUnreliableFragment:
		msg.SendFragment = DecodeSendFragmentBody(body)
	case CommandBandwidthLimit:
		msg.BandwidthLimit = DecodeBandwidthLimitBody(body)
	case CommandThrottleConfigure:
		msg.ThrottleConfigure = DecodeThrottleConfigureBody(body)
	default:
		return Message{}, 0, errors.Wrapf(ErrUnknownCommand, "id=%d", header.Command)
	}

	consumed := size
	payloadLen := payloadLength(msg)
	if payloadLen > 0 {
		if len(buf) < size+payloadLen {
			return Message{}, 0, errors.Wrap(ErrShortBuffer, "command payload")
		}
		msg.Payload = buf[size : size+payloadLen]
		consumed += payloadLen
	}

	return msg, consumed, nil
}

// payloadLength returns how many trailing payload bytes follow a decoded
// command's fixed fields.
func payloadLength(msg Message) int {
	switch msg.Header.Command {
	case CommandSendReliable:
		return int(msg.SendReliable.DataLength)
	case CommandSendUnreliable:
		return int(msg.SendUnreliable.DataLength)
	case CommandSendUnsequenced:
		return int(msg.SendUnsequenced.DataLength)
	case CommandSendFragment, CommandSendUnreliableFragment:
		return int(msg.SendFragment.DataLength)
	default:
		return 0
	}
}

// Encode appends the wire form of msg (header, body, and payload) to buf.
func Encode(buf []byte, msg Message) []byte {
	buf = EncodeCommandHeader(buf, msg.Header)

	switch msg.Header.Command {
	case CommandConnect, CommandVerifyConnect:
		buf = EncodeConnectBody(buf, msg.Connect)
	case CommandDisconnect:
		buf = EncodeDisconnectBody(buf, msg.Disconnect)
	case CommandAcknowledge:
		buf = EncodeAcknowledgeBody(buf, msg.Acknowledge)
	case CommandPing:
		// no body
	case CommandSendReliable:
		buf = EncodeSendReliableBody(buf, msg.SendReliable)
	case CommandSendUnreliable:
		buf = EncodeSendUnreliableBody(buf, msg.SendUnreliable)
	case CommandSendUnsequenced:
		buf = EncodeSendUnsequencedBody(buf, msg.SendUnsequenced)
	case CommandSendFragment, CommandSendUnreliableFragment:
		buf = EncodeSendFragmentBody(buf, msg.SendFragment)
	case CommandBandwidthLimit:
		buf = EncodeBandwidthLimitBody(buf, msg.BandwidthLimit)
	case CommandThrottleConfigure:
		buf = EncodeThrottleConfigureBody(buf, msg.ThrottleConfigure)
	}

	if len(msg.Payload) > 0 {
		buf = append(buf, msg.Payload...)
	}
	return buf
}

// WireSize returns the total encoded size (header + body + payload) of
// msg.
func WireSize(msg Message) int {
	return Size(msg.Header.Command) + payloadLength(msg)
}
