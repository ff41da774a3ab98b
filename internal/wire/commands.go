package wire

import "encoding/binary"

// ConnectBody is the shared layout of CONNECT and VERIFY_CONNECT (spec
// §6). Data carries the caller's 32-bit user payload on CONNECT; it is
// echoed as 0 on VERIFY_CONNECT.
type ConnectBody struct {
	PeerID                      uint16
	IncomingSessionID           uint8
	OutgoingSessionID           uint8
	MTU                         uint16
	WindowSize                  uint32
	ChannelCount                uint32
	IncomingBandwidth           uint32
	OutgoingBandwidth           uint32
	SegmentThrottleInterval     uint32
	SegmentThrottleAcceleration uint32
	SegmentThrottleDeceleration uint32
	ConnectID                   uint32
	Data                        uint32
}

func DecodeConnectBody(buf []byte) ConnectBody {
	_ = buf[41]
	return ConnectBody{
		PeerID:                      binary.BigEndian.Uint16(buf[0:2]),
		IncomingSessionID:           buf[2],
		OutgoingSessionID:           buf[3],
		MTU:                         binary.BigEndian.Uint16(buf[4:6]),
		WindowSize:                  binary.BigEndian.Uint32(buf[6:10]),
		ChannelCount:                binary.BigEndian.Uint32(buf[10:14]),
		IncomingBandwidth:           binary.BigEndian.Uint32(buf[14:18]),
		OutgoingBandwidth:           binary.BigEndian.Uint32(buf[18:22]),
		SegmentThrottleInterval:     binary.BigEndian.Uint32(buf[22:26]),
		SegmentThrottleAcceleration: binary.BigEndian.Uint32(buf[26:30]),
		SegmentThrottleDeceleration: binary.BigEndian.Uint32(buf[30:34]),
		ConnectID:                   binary.BigEndian.Uint32(buf[34:38]),
		Data:                        binary.BigEndian.Uint32(buf[38:42]),
	}
}

func EncodeConnectBody(buf []byte, b ConnectBody) []byte {
	var tmp [42]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.PeerID)
	tmp[2] = b.IncomingSessionID
	tmp[3] = b.OutgoingSessionID
	binary.BigEndian.PutUint16(tmp[4:6], b.MTU)
	binary.BigEndian.PutUint32(tmp[6:10], b.WindowSize)
	binary.BigEndian.PutUint32(tmp[10:14], b.ChannelCount)
	binary.BigEndian.PutUint32(tmp[14:18], b.IncomingBandwidth)
	binary.BigEndian.PutUint32(tmp[18:22], b.OutgoingBandwidth)
	binary.BigEndian.PutUint32(tmp[22:26], b.SegmentThrottleInterval)
	binary.BigEndian.PutUint32(tmp[26:30], b.SegmentThrottleAcceleration)
	binary.BigEndian.PutUint32(tmp[30:34], b.SegmentThrottleDeceleration)
	binary.BigEndian.PutUint32(tmp[34:38], b.ConnectID)
	binary.BigEndian.PutUint32(tmp[38:42], b.Data)
	return append(buf, tmp[:]...)
}

// DisconnectBody carries the caller's 32-bit user data explaining why.
type DisconnectBody struct {
	Data uint32
}

func DecodeDisconnectBody(buf []byte) DisconnectBody {
	return DisconnectBody{Data: binary.BigEndian.Uint32(buf[0:4])}
}

func EncodeDisconnectBody(buf []byte, b DisconnectBody) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], b.Data)
	return append(buf, tmp[:]...)
}

// AcknowledgeBody echoes the reliable sequence number and send timestamp
// of the command being acknowledged.
type AcknowledgeBody struct {
	ReceivedReliableSequenceNumber uint16
	ReceivedSentTime                uint16
}

func DecodeAcknowledgeBody(buf []byte) AcknowledgeBody {
	return AcknowledgeBody{
		ReceivedReliableSequenceNumber: binary.BigEndian.Uint16(buf[0:2]),
		ReceivedSentTime:                binary.BigEndian.Uint16(buf[2:4]),
	}
}

func EncodeAcknowledgeBody(buf []byte, b AcknowledgeBody) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.ReceivedReliableSequenceNumber)
	binary.BigEndian.PutUint16(tmp[2:4], b.ReceivedSentTime)
	return append(buf, tmp[:]...)
}

// SendReliableBody precedes a variable-length payload of DataLength bytes.
type SendReliableBody struct {
	DataLength uint16
}

func DecodeSendReliableBody(buf []byte) SendReliableBody {
	return SendReliableBody{DataLength: binary.BigEndian.Uint16(buf[0:2])}
}

func EncodeSendReliableBody(buf []byte, b SendReliableBody) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], b.DataLength)
	return append(buf, tmp[:]...)
}

// SendUnreliableBody precedes a variable-length payload.
type SendUnreliableBody struct {
	UnreliableSequenceNumber uint16
	DataLength               uint16
}

func DecodeSendUnreliableBody(buf []byte) SendUnreliableBody {
	return SendUnreliableBody{
		UnreliableSequenceNumber: binary.BigEndian.Uint16(buf[0:2]),
		DataLength:               binary.BigEndian.Uint16(buf[2:4]),
	}
}

func EncodeSendUnreliableBody(buf []byte, b SendUnreliableBody) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.UnreliableSequenceNumber)
	binary.BigEndian.PutUint16(tmp[2:4], b.DataLength)
	return append(buf, tmp[:]...)
}

// SendUnsequencedBody precedes a variable-length payload.
type SendUnsequencedBody struct {
	UnsequencedGroup uint16
	DataLength       uint16
}

func DecodeSendUnsequencedBody(buf []byte) SendUnsequencedBody {
	return SendUnsequencedBody{
		UnsequencedGroup: binary.BigEndian.Uint16(buf[0:2]),
		DataLength:       binary.BigEndian.Uint16(buf[2:4]),
	}
}

func EncodeSendUnsequencedBody(buf []byte, b SendUnsequencedBody) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.UnsequencedGroup)
	binary.BigEndian.PutUint16(tmp[2:4], b.DataLength)
	return append(buf, tmp[:]...)
}

// SendFragmentBody covers both SEND_FRAGMENT and SEND_UNRELIABLE_FRAGMENT.
type SendFragmentBody struct {
	StartSequenceNumber uint16
	DataLength          uint16
	FragmentCount       uint32
	FragmentNumber      uint32
	TotalLength         uint32
	FragmentOffset      uint32
}

func DecodeSendFragmentBody(buf []byte) SendFragmentBody {
	_ = buf[19]
	return SendFragmentBody{
		StartSequenceNumber: binary.BigEndian.Uint16(buf[0:2]),
		DataLength:          binary.BigEndian.Uint16(buf[2:4]),
		FragmentCount:       binary.BigEndian.Uint32(buf[4:8]),
		FragmentNumber:      binary.BigEndian.Uint32(buf[8:12]),
		TotalLength:         binary.BigEndian.Uint32(buf[12:16]),
		FragmentOffset:      binary.BigEndian.Uint32(buf[16:20]),
	}
}

func EncodeSendFragmentBody(buf []byte, b SendFragmentBody) []byte {
	var tmp [20]byte
	binary.BigEndian.PutUint16(tmp[0:2], b.StartSequenceNumber)
	binary.BigEndian.PutUint16(tmp[2:4], b.DataLength)
	binary.BigEndian.PutUint32(tmp[4:8], b.FragmentCount)
	binary.BigEndian.PutUint32(tmp[8:12], b.FragmentNumber)
	binary.BigEndian.PutUint32(tmp[12:16], b.TotalLength)
	binary.BigEndian.PutUint32(tmp[16:20], b.FragmentOffset)
	return append(buf, tmp[:]...)
}

// BandwidthLimitBody carries the pair of bandwidth caps (bytes/sec, 0 =
// unlimited).
type BandwidthLimitBody struct {
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

func DecodeBandwidthLimitBody(buf []byte) BandwidthLimitBody {
	return BandwidthLimitBody{
		IncomingBandwidth: binary.BigEndian.Uint32(buf[0:4]),
		OutgoingBandwidth: binary.BigEndian.Uint32(buf[4:8]),
	}
}

func EncodeBandwidthLimitBody(buf []byte, b BandwidthLimitBody) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[0:4], b.IncomingBandwidth)
	binary.BigEndian.PutUint32(tmp[4:8], b.OutgoingBandwidth)
	return append(buf, tmp[:]...)
}

// ThrottleConfigureBody carries the segment-throttle triple.
type ThrottleConfigureBody struct {
	Interval     uint32
	Acceleration uint32
	Deceleration uint32
}

func DecodeThrottleConfigureBody(buf []byte) ThrottleConfigureBody {
	return ThrottleConfigureBody{
		Interval:     binary.BigEndian.Uint32(buf[0:4]),
		Acceleration: binary.BigEndian.Uint32(buf[4:8]),
		Deceleration: binary.BigEndian.Uint32(buf[8:12]),
	}
}

func EncodeThrottleConfigureBody(buf []byte, b ThrottleConfigureBody) []byte {
	var tmp [12]byte
	binary.BigEndian.PutUint32(tmp[0:4], b.Interval)
	binary.BigEndian.PutUint32(tmp[4:8], b.Acceleration)
	binary.BigEndian.PutUint32(tmp[8:12], b.Deceleration)
	return append(buf, tmp[:]...)
}
