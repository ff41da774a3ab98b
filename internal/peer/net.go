// Package peer implements per-connection state: network/throttle
// accounting (Net), the command scheduler binding (via internal/command),
// channel collection, and the fixed-capacity peer pool a Host draws from
// (spec §3, §4.4).
package peer

import (
	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/wire"
)

// Net holds one peer's network and throttle state (spec §3 PeerNet).
type Net struct {
	state command.PeerState

	mtu uint32

	incomingBandwidth            uint32
	incomingBandwidthThrottleEpoch uint32
	outgoingBandwidth            uint32
	outgoingBandwidthThrottleEpoch uint32

	segmentThrottle             uint32
	segmentThrottleLimit        uint32
	segmentThrottleCounter      uint32
	segmentThrottleAcceleration uint32
	segmentThrottleDeceleration uint32
	segmentThrottleInterval     uint32
	segmentThrottleEpoch        uint32

	segmentLoss         uint32
	segmentLossVariance uint32
	segmentLossEpoch    uint32
	segmentsLost        uint32
	segmentsSent        uint32

	windowSize uint32

	lastSendTime    uint32
	lastReceiveTime uint32
}

// NewNet returns a Net reset to connection defaults.
func NewNet() *Net {
	n := &Net{}
	n.Reset()
	return n
}

// Reset restores every field to its connection-start default.
func (n *Net) Reset() {
	n.state = command.StateDisconnected
	n.mtu = wire.DefaultMTU
	n.incomingBandwidth = 0
	n.incomingBandwidthThrottleEpoch = 0
	n.outgoingBandwidth = 0
	n.outgoingBandwidthThrottleEpoch = 0
	n.segmentThrottle = wire.PeerSegmentThrottleScale // "default segment throttle" == fully open
	n.segmentThrottleLimit = wire.PeerSegmentThrottleScale
	n.segmentThrottleCounter = 0
	n.segmentThrottleAcceleration = 2
	n.segmentThrottleDeceleration = 2
	n.segmentThrottleInterval = wire.PeerSegmentThrottleInterval
	n.segmentThrottleEpoch = 0
	n.segmentLoss = 0
	n.segmentLossVariance = 0
	n.segmentLossEpoch = 0
	n.segmentsLost = 0
	n.segmentsSent = 0
	n.windowSize = wire.MaximumWindowSize
	n.lastSendTime = 0
	n.lastReceiveTime = 0
}

// Setup derives the initial window size from the configured outgoing
// bandwidth and transitions into CONNECTING (spec §4.4 initiator path).
func (n *Net) Setup() {
	n.state = command.StateConnecting

	const windowSizeScale = 65536 // PEER_WINDOW_SIZE_SCALE equivalent: bandwidth (bytes/s) -> window units
	if n.outgoingBandwidth == 0 {
		n.windowSize = wire.MaximumWindowSize
	} else {
		n.windowSize = (n.outgoingBandwidth / windowSizeScale) * wire.MinimumWindowSize
	}

	if n.windowSize < wire.MinimumWindowSize {
		n.windowSize = wire.MinimumWindowSize
	}
	if n.windowSize > wire.MaximumWindowSize {
		n.windowSize = wire.MaximumWindowSize
	}
}

// State returns the peer's current connection state.
func (n *Net) State() command.PeerState { return n.state }

// SetState transitions the peer to a new state.
func (n *Net) SetState(s command.PeerState) { n.state = s }

// MTU returns the negotiated maximum transmission unit.
func (n *Net) MTU() uint32 { return n.mtu }

// SetMTU overwrites the negotiated MTU (clamp-down-only per
// HandleVerifyConnect, spec §4.5).
func (n *Net) SetMTU(mtu uint32) { n.mtu = mtu }

// WindowSize returns the current reliable window size in bytes.
func (n *Net) WindowSize() uint32 { return n.windowSize }

// SetWindowSize overwrites the window size (clamp-down-only per
// HandleVerifyConnect).
func (n *Net) SetWindowSize(size uint32) { n.windowSize = size }

// IncomingBandwidth / OutgoingBandwidth: the caps this peer has
// advertised, in bytes/sec (0 = unlimited).
func (n *Net) IncomingBandwidth() uint32     { return n.incomingBandwidth }
func (n *Net) SetIncomingBandwidth(v uint32) { n.incomingBandwidth = v }
func (n *Net) OutgoingBandwidth() uint32     { return n.outgoingBandwidth }
func (n *Net) SetOutgoingBandwidth(v uint32) { n.outgoingBandwidth = v }

// SegmentThrottle returns the current throttle value in [0, PeerSegmentThrottleScale].
func (n *Net) SegmentThrottle() uint32 { return n.segmentThrottle }

// SegmentThrottleLimit returns the bandwidth-derived ceiling on SegmentThrottle.
func (n *Net) SegmentThrottleLimit() uint32     { return n.segmentThrottleLimit }
func (n *Net) SetSegmentThrottle(v uint32)      { n.segmentThrottle = v }
func (n *Net) SetSegmentThrottleLimit(v uint32) { n.segmentThrottleLimit = v }

// SegmentThrottleInterval / acceleration / deceleration configure how
// ThrottleConfigure tunes the congestion-avoidance response.
func (n *Net) SegmentThrottleInterval() uint32     { return n.segmentThrottleInterval }
func (n *Net) SetSegmentThrottleInterval(v uint32) { n.segmentThrottleInterval = v }
func (n *Net) SegmentThrottleAcceleration() uint32 { return n.segmentThrottleAcceleration }
func (n *Net) SetSegmentThrottleAcceleration(v uint32) { n.segmentThrottleAcceleration = v }
func (n *Net) SegmentThrottleDeceleration() uint32     { return n.segmentThrottleDeceleration }
func (n *Net) SetSegmentThrottleDeceleration(v uint32) { n.segmentThrottleDeceleration = v }

// UpdateSegmentThrottleCounter advances the throttle counter by
// PeerSegmentThrottleCounter, wrapping modulo PeerSegmentThrottleScale
// (spec §4.3, LoadUnreliableIntoChamber).
func (n *Net) UpdateSegmentThrottleCounter() {
	n.segmentThrottleCounter += wire.PeerSegmentThrottleCounter
	n.segmentThrottleCounter %= wire.PeerSegmentThrottleScale
}

// ExceedsSegmentThrottleCounter reports whether the throttle counter has
// overflowed the configured throttle value, meaning the current unreliable
// message should be dropped rather than sent.
func (n *Net) ExceedsSegmentThrottleCounter() bool {
	return n.segmentThrottleCounter >= n.segmentThrottle
}

// IncreaseSegmentsLost bumps the lost-segment counter (CommandPod.Timeout
// calls this on every retransmission).
func (n *Net) IncreaseSegmentsLost(v uint32) { n.segmentsLost += v }

// IncreaseSegmentsSent bumps the sent-segment counter.
func (n *Net) IncreaseSegmentsSent(v uint32) { n.segmentsSent += v }

// CalculateSegmentLoss recomputes the smoothed segment-loss estimate from
// the segments sent/lost since the last epoch, Jacobson-style (grounded on
// peer_net.cc's CalculateSegmentLoss/CalculatePacketLoss).
func (n *Net) CalculateSegmentLoss(serviceTime uint32) {
	if n.segmentsSent == 0 {
		n.segmentLossEpoch = serviceTime
		return
	}

	segmentLoss := n.segmentsLost * wire.PeerSegmentThrottleScale * 8 / n.segmentsSent

	n.segmentLossVariance -= n.segmentLossVariance / 4

	if segmentLoss >= n.segmentLoss {
		n.segmentLoss += (segmentLoss - n.segmentLoss) / 8
		n.segmentLossVariance += (segmentLoss - n.segmentLoss) / 4
	} else {
		n.segmentLoss -= (n.segmentLoss - segmentLoss) / 8
		n.segmentLossVariance += (n.segmentLoss - segmentLoss) / 4
	}

	n.segmentLossEpoch = serviceTime
	n.segmentsSent = 0
	n.segmentsLost = 0
}

// LastSendTime / LastReceiveTime track the most recent datagram exchanged,
// used by the host's bandwidth throttle and connection-liveness checks.
func (n *Net) LastSendTime() uint32        { return n.lastSendTime }
func (n *Net) SetLastSendTime(v uint32)    { n.lastSendTime = v }
func (n *Net) LastReceiveTime() uint32     { return n.lastReceiveTime }
func (n *Net) SetLastReceiveTime(v uint32) { n.lastReceiveTime = v }

// IncomingBandwidthThrottleEpoch / OutgoingBandwidthThrottleEpoch mark the
// last BandwidthThrottle pass this peer participated in.
func (n *Net) IncomingBandwidthThrottleEpoch() uint32     { return n.incomingBandwidthThrottleEpoch }
func (n *Net) SetIncomingBandwidthThrottleEpoch(v uint32) { n.incomingBandwidthThrottleEpoch = v }
func (n *Net) OutgoingBandwidthThrottleEpoch() uint32     { return n.outgoingBandwidthThrottleEpoch }
func (n *Net) SetOutgoingBandwidthThrottleEpoch(v uint32) { n.outgoingBandwidthThrottleEpoch = v }
