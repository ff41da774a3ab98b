// Package rudp is a reliable/unreliable UDP transport in the ENet/RakNet
// family: multiple ordered or unordered channels per peer, automatic
// fragmentation and reassembly of oversized reliable sends, and a
// single-threaded Service loop that surfaces connect/disconnect/receive
// events one at a time (spec §3, §4.7, §6).
package rudp

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/rudpnet/rudp/internal/chamber"
	"github.com/rudpnet/rudp/internal/clock"
	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/dispatch"
	"github.com/rudpnet/rudp/internal/peer"
	"github.com/rudpnet/rudp/internal/protocol"
	"github.com/rudpnet/rudp/internal/wire"
	"github.com/rudpnet/rudp/segment"
)

// PeerState is a position in a peer's connection state machine, re-exported
// so callers never need to import internal/command themselves.
type PeerState = command.PeerState

// Peer states a caller may see from Peer.State (spec §4.4).
const (
	PeerDisconnected            = command.StateDisconnected
	PeerConnecting              = command.StateConnecting
	PeerAcknowledgingConnect    = command.StateAcknowledgingConnect
	PeerConnectionPending       = command.StateConnectionPending
	PeerConnectionSucceeded     = command.StateConnectionSucceeded
	PeerConnected               = command.StateConnected
	PeerDisconnectLater         = command.StateDisconnectLater
	PeerDisconnecting           = command.StateDisconnecting
	PeerAcknowledgingDisconnect = command.StateAcknowledgingDisconnect
	PeerZombie                  = command.StateZombie
)

// HostConfig configures a Host at construction time.
type HostConfig struct {
	// MaxPeers bounds how many simultaneous connections this Host serves.
	MaxPeers int

	// ChannelCount is negotiated down to whatever a connecting peer
	// requests, but never above this; every peer slot pre-allocates this
	// many channels (spec §3, Pod "fixed-capacity vector").
	ChannelCount int

	// IncomingBandwidth / OutgoingBandwidth cap this host's own traffic in
	// bytes/sec; 0 means unlimited (spec §4.7 BandwidthThrottle).
	IncomingBandwidth uint32
	OutgoingBandwidth uint32

	// MaxDuplicatePeers bounds simultaneous connections sharing a remote
	// address; 0 disables the check.
	MaxDuplicatePeers uint16

	Logger     *zap.Logger
	Compressor Compressor

	// Socket overrides the default UDP transport, mainly for tests.
	Socket DatagramSocket
}

// Host is a service endpoint: a bound socket, a fixed pool of peer slots,
// and the protocol engine driving them (spec §3, "Host").
type Host struct {
	id uuid.UUID

	log     *zap.Logger
	metrics *metrics

	socket     DatagramSocket
	compressor Compressor

	pod    *peer.Pod
	hub    *dispatch.Hub
	engine *protocol.Engine

	channelCount      int
	incomingBandwidth uint32
	outgoingBandwidth uint32

	chambers []*chamber.Chamber
	recvBuf  []byte

	baseTime     time.Time
	pollInterval time.Duration

	pendingEvents []dispatch.Event

	closed bool
}

// NewHost binds network/addr (":0" for an ephemeral port) and returns a
// Host ready to Connect out or accept incoming connections via Service.
func NewHost(network, addr string, cfg HostConfig) (*Host, error) {
	if cfg.MaxPeers <= 0 {
		return nil, errors.Wrap(ErrInputInvalid, "max peers must be positive")
	}
	if cfg.ChannelCount == 0 {
		cfg.ChannelCount = wire.MaximumChannelCount
	}
	if cfg.ChannelCount < wire.MinimumChannelCount || cfg.ChannelCount > wire.MaximumChannelCount {
		return nil, errors.Wrap(ErrInputInvalid, "channel count out of range")
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	sock := cfg.Socket
	if sock == nil {
		s, err := newUDPSocket(network, addr)
		if err != nil {
			return nil, err
		}
		sock = s
	}

	hub := dispatch.New()
	h := &Host{
		id:                uuid.New(),
		log:               log,
		metrics:           newMetrics(),
		socket:            sock,
		compressor:        cfg.Compressor,
		pod:               peer.NewPod(cfg.MaxPeers, cfg.ChannelCount, cfg.MaxDuplicatePeers),
		hub:               hub,
		engine:            protocol.New(hub, log),
		channelCount:      cfg.ChannelCount,
		incomingBandwidth: cfg.IncomingBandwidth,
		outgoingBandwidth: cfg.OutgoingBandwidth,
		chambers:          make([]*chamber.Chamber, cfg.MaxPeers),
		recvBuf:           make([]byte, wire.MaximumMTU),
		baseTime:          time.Now(),
		pollInterval:      100 * time.Millisecond,
	}

	for i := range h.chambers {
		ch := chamber.New(wire.DefaultMTU)
		if h.compressor != nil {
			ch.Compressor = chamberCompressor{c: h.compressor}
		}
		h.chambers[i] = ch
	}

	if us, ok := sock.(*udpSocket); ok {
		log.Info("rudp host listening",
			zap.String("host_id", h.id.String()),
			zap.String("local_addr", us.LocalAddr().String()),
			zap.String("family", us.family()))
	}

	return h, nil
}

// Close releases the underlying socket. Outstanding peers are not notified;
// call DisconnectLater on each one first if a graceful teardown matters.
func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.socket.Close()
}

// LocalAddr returns the address this Host's socket is bound to, mainly so
// callers that bind an ephemeral port (":0") can discover which one they
// got.
func (h *Host) LocalAddr() net.Addr { return h.socket.LocalAddr() }

func (h *Host) serviceTimeNow() uint32 {
	return uint32(time.Since(h.baseTime).Milliseconds())
}

func (h *Host) wrap(p *peer.Peer) *Peer {
	if p == nil {
		return nil
	}
	return &Peer{host: h, net: p}
}

// randomU32 derives a connect id from a fresh random UUID rather than
// reaching for math/rand, so the host's one source of randomness is
// google/uuid throughout (spec §4.4, ConnectID: "a random value the
// initiator picks, echoed back on VERIFY_CONNECT").
func randomU32() uint32 {
	id := uuid.New()
	return binary.BigEndian.Uint32(id[0:4])
}

// Connect begins the initiator side of a handshake to addr, returning a
// Peer in the CONNECTING state immediately; the CONNECT event arrives from
// a later Service call once the responder's VERIFY_CONNECT arrives
// (spec §4.4).
func (h *Host) Connect(network, addr string, data uint32) (*Peer, error) {
	if h.closed {
		return nil, ErrHostClosed
	}

	remoteAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, errors.Wrap(ErrInputInvalid, err.Error())
	}

	p, err := h.pod.AvailablePeer()
	if err != nil {
		return nil, errors.Wrap(ErrResourceExhausted, err.Error())
	}

	p.RemoteAddr = remoteAddr
	// OutgoingPeerID is unknown until VERIFY_CONNECT echoes back the
	// responder's own self-assigned id; until then, datagrams we send
	// carry the "unassigned" sentinel in their protocol header.
	p.OutgoingPeerID = wire.MaximumPeerID
	p.IncomingPeerID = uint16(p.Index())
	p.ConnectID = randomU32()
	p.EventData = data
	p.Net.SetIncomingBandwidth(h.incomingBandwidth)
	p.Net.SetOutgoingBandwidth(h.outgoingBandwidth)
	p.Net.Setup()

	msg := wire.Message{Header: wire.CommandHeader{
		Command:     wire.CommandConnect,
		ChannelID:   0xFF,
		Acknowledge: true,
	}}
	msg.Connect = wire.ConnectBody{
		PeerID:                      uint16(p.Index()),
		IncomingSessionID:           p.IncomingSessionID,
		OutgoingSessionID:           p.OutgoingSessionID,
		MTU:                         uint16(p.Net.MTU()),
		WindowSize:                  p.Net.WindowSize(),
		ChannelCount:                uint32(h.channelCount),
		IncomingBandwidth:           h.incomingBandwidth,
		OutgoingBandwidth:           h.outgoingBandwidth,
		SegmentThrottleInterval:     p.Net.SegmentThrottleInterval(),
		SegmentThrottleAcceleration: p.Net.SegmentThrottleAcceleration(),
		SegmentThrottleDeceleration: p.Net.SegmentThrottleDeceleration(),
		ConnectID:                   p.ConnectID,
		Data:                        data,
	}
	p.QueueOutgoingCommand(msg, nil, 0)

	h.log.Debug("connect initiated", zap.String("remote_addr", addr), zap.Uint16("peer_id", p.IncomingPeerID))
	return h.wrap(p), nil
}

// Send queues data for delivery to target on channelID, per flags
// (FlagReliable/FlagUnsequenced/neither for plain unreliable). Payloads too
// large for one datagram are fragmented automatically when sent reliably;
// non-reliable payloads that don't fit are rejected on the outgoing side —
// the receive path reassembles SEND_UNRELIABLE_FRAGMENT from any peer that
// sends one, but this Host chooses not to originate fragmented non-reliable
// sends itself, since an unreliable message that needs N datagrams to
// arrive whole gains little from "unreliable" delivery (spec §4.2).
func (h *Host) Send(target *Peer, channelID uint8, data []byte, flags segment.Flag) error {
	if target == nil || target.net == nil {
		return errors.Wrap(ErrInputInvalid, "nil peer")
	}
	p := target.net
	if p.Net.State() != command.StateConnected {
		return ErrNotConnected
	}
	if p.Channel(channelID) == nil {
		return errors.Wrap(ErrInputInvalid, "unknown channel")
	}

	// 4 bytes for the protocol header, which always carries a sent time on
	// datagrams holding reliable commands.
	maxFragment := int(p.Net.MTU()) - 4 - wire.Size(wire.CommandSendFragment)
	reliable := flags&segment.FlagReliable != 0

	if len(data) <= maxFragment {
		return h.sendWhole(p, channelID, data, flags)
	}
	if !reliable {
		return errors.Wrap(ErrInputInvalid, "non-reliable payload exceeds MTU; send it reliably instead")
	}
	return h.sendReliableFragmented(p, channelID, data, maxFragment)
}

func (h *Host) sendWhole(p *peer.Peer, channelID uint8, data []byte, flags segment.Flag) error {
	reliable := flags&segment.FlagReliable != 0
	unsequenced := flags&segment.FlagUnsequenced != 0

	seg := segment.NewSegment(data, flags)

	var msg wire.Message
	switch {
	case reliable:
		msg.Header = wire.CommandHeader{Command: wire.CommandSendReliable, ChannelID: channelID, Acknowledge: true}
		msg.SendReliable.DataLength = uint16(len(data))
	case unsequenced:
		msg.Header = wire.CommandHeader{Command: wire.CommandSendUnsequenced, ChannelID: channelID, Unsequenced: true}
		msg.SendUnsequenced.DataLength = uint16(len(data))
	default:
		msg.Header = wire.CommandHeader{Command: wire.CommandSendUnreliable, ChannelID: channelID}
		msg.SendUnreliable.DataLength = uint16(len(data))
	}
	msg.Payload = seg.Data

	p.QueueOutgoingCommand(msg, seg, 0)
	return nil
}

// sendReliableFragmented splits data across SEND_FRAGMENT commands that all
// share one StartSequenceNumber, the value the channel's reliable sequence
// counter will hold once the first fragment is queued — SetupOutgoingCommand
// still bumps that per-channel counter once per fragment, so by the last
// fragment it has advanced by exactly fragmentCount, matching the
// contiguous run NewIncomingReliableCommands expects on the receiving side
// (spec §4.2 fragmentation/reassembly).
func (h *Host) sendReliableFragmented(p *peer.Peer, channelID uint8, data []byte, maxFragment int) error {
	total := len(data)
	fragmentCount := (total + maxFragment - 1) / maxFragment
	if uint32(fragmentCount) > wire.MaximumFragmentCount {
		return errors.Wrap(ErrInputInvalid, "payload requires too many fragments")
	}

	startSeq := p.Channel(channelID).OutgoingReliableSequenceNumber() + 1

	for i := 0; i < fragmentCount; i++ {
		off := i * maxFragment
		end := off + maxFragment
		if end > total {
			end = total
		}
		chunk := data[off:end]
		seg := segment.NewSegment(chunk, segment.FlagReliable)

		msg := wire.Message{Header: wire.CommandHeader{
			Command:     wire.CommandSendFragment,
			ChannelID:   channelID,
			Acknowledge: true,
		}}
		msg.SendFragment = wire.SendFragmentBody{
			StartSequenceNumber: startSeq,
			DataLength:          uint16(len(chunk)),
			FragmentCount:       uint32(fragmentCount),
			FragmentNumber:      uint32(i),
			TotalLength:         uint32(total),
			FragmentOffset:      uint32(off),
		}
		msg.Payload = seg.Data

		p.QueueOutgoingCommand(msg, seg, uint32(off))
	}
	return nil
}

// Broadcast sends data to every currently CONNECTED peer (spec §4.7,
// "Broadcast").
func (h *Host) Broadcast(channelID uint8, data []byte, flags segment.Flag) {
	for _, p := range h.pod.ConnectedPeers() {
		if p.Net.State() != command.StateConnected {
			continue
		}
		if err := h.Send(h.wrap(p), channelID, data, flags); err != nil {
			h.log.Warn("broadcast send failed", zap.Uint16("peer_id", p.IncomingPeerID), zap.Error(err))
		}
	}
}

// DisconnectNow tears target down immediately: a best-effort DISCONNECT
// datagram is sent (unless the connection never got far enough to make one
// meaningful) and the local peer slot is freed without waiting for an ack
// (spec §4.4, "disconnect_now").
func (h *Host) DisconnectNow(target *Peer, data uint32) error {
	if target == nil || target.net == nil {
		return errors.Wrap(ErrInputInvalid, "nil peer")
	}
	p := target.net
	if p.Net.State() == command.StateDisconnected {
		return nil
	}
	p.EventData = data

	switch p.Net.State() {
	case command.StateConnecting, command.StateAcknowledgingConnect, command.StateZombie:
	default:
		h.sendImmediateDisconnect(p, data)
	}

	if ev, ok := h.engine.NotifyDisconnect(p, true); ok {
		h.pendingEvents = append(h.pendingEvents, ev)
	}
	return nil
}

// DisconnectLater queues a reliable DISCONNECT behind whatever this peer
// still has outgoing, so already-queued sends have a chance to actually
// arrive before the connection tears down (spec §4.4, "disconnect_later").
func (h *Host) DisconnectLater(target *Peer, data uint32) error {
	if target == nil || target.net == nil {
		return errors.Wrap(ErrInputInvalid, "nil peer")
	}
	p := target.net
	if p.Net.State() != command.StateConnected && p.Net.State() != command.StateDisconnectLater {
		return ErrNotConnected
	}
	p.EventData = data

	drained := len(p.Pod.OutgoingReliable) == 0 && len(p.Pod.OutgoingUnreliable) == 0 && len(p.Pod.SentReliable) == 0
	if drained {
		h.hub.ChangeState(p, command.StateDisconnecting)
	} else {
		h.hub.ChangeState(p, command.StateDisconnectLater)
	}

	msg := wire.Message{Header: wire.CommandHeader{Command: wire.CommandDisconnect, ChannelID: 0xFF, Acknowledge: true}}
	msg.Disconnect.Data = data
	p.QueueOutgoingCommand(msg, nil, 0)
	return nil
}

func (h *Host) sendImmediateDisconnect(p *peer.Peer, data uint32) {
	ch := h.chambers[p.Index()]
	ch.Reset(int(p.Net.MTU()))
	ch.SetHeader(wire.ProtocolHeader{PeerID: p.OutgoingPeerID, SessionID: p.OutgoingSessionID})

	msg := wire.Message{Header: wire.CommandHeader{Command: wire.CommandDisconnect, ChannelID: 0xFF}}
	msg.Disconnect.Data = data
	ch.Add(msg)

	if err := h.writeChamber(p, ch); err != nil {
		h.log.Debug("best-effort disconnect datagram failed", zap.Error(err))
	}
}

func (h *Host) writeChamber(p *peer.Peer, ch *chamber.Chamber) error {
	datagram := ch.Flush()
	n, err := h.socket.WriteTo(datagram, p.RemoteAddr)
	if err != nil {
		if errors.Is(err, ErrSocketBusy) {
			return nil
		}
		return err
	}
	h.metrics.datagramsSent.Inc()
	h.metrics.bytesSent.Add(float64(n))
	return nil
}

// Service drives one pass of the host's send/receive/dispatch loop and
// returns the next event, blocking for up to timeout if none is
// immediately available (spec §4.7, Host.Service numbered contract). It
// returns Event{Type: EventNone} once timeout elapses with nothing to
// report.
//
// The reference contract waits on the socket via an abstract Wait(mask,
// timeout) primitive re-armed with whatever time remains after each pass;
// this adapts that to Go's net.Conn deadline idiom instead, bounding each
// blocking read to pollInterval so the send pass (retransmissions,
// bandwidth throttling, keepalive pings) still runs periodically even
// across one long Service call.
func (h *Host) Service(timeout time.Duration) (Event, error) {
	if h.closed {
		return Event{}, ErrHostClosed
	}
	if ev, ok := h.nextEvent(); ok {
		h.metrics.observeEvent(ev)
		return ev, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		serviceTime := h.serviceTimeNow()

		h.engine.BandwidthThrottle(serviceTime, h.incomingBandwidth, h.outgoingBandwidth, h.pod.ConnectedPeers())
		h.sendOutgoingPass(serviceTime)

		waitUntil := deadline
		if remaining := time.Until(deadline); remaining > h.pollInterval {
			waitUntil = time.Now().Add(h.pollInterval)
		}
		if err := h.socket.SetReadDeadline(waitUntil); err != nil {
			return Event{}, err
		}
		if err := h.receiveIncomingPass(serviceTime); err != nil {
			return Event{}, err
		}
		h.sendOutgoingPass(serviceTime)

		if ev, ok := h.nextEvent(); ok {
			h.metrics.observeEvent(ev)
			return ev, nil
		}

		if !time.Now().Before(deadline) {
			return Event{}, nil
		}
	}
}

func (h *Host) nextEvent() (Event, bool) {
	if len(h.pendingEvents) > 0 {
		ev := h.pendingEvents[0]
		h.pendingEvents = h.pendingEvents[1:]
		return eventFromDispatch(h, ev), true
	}

	ev, ok := h.engine.DispatchIncomingCommands()
	if !ok {
		return Event{}, false
	}
	h.metrics.connectedPeers.Set(float64(h.hub.ConnectedPeers()))
	h.metrics.bandwidthLimited.Set(float64(h.hub.BandwidthLimitedPeers()))
	return eventFromDispatch(h, ev), true
}

// sendOutgoingPass drains every allocated peer's acknowledgement, reliable
// and unreliable queues into its chamber and flushes whatever was staged
// (spec §4.7, "SendOutgoing(check_timeouts=true)").
func (h *Host) sendOutgoingPass(serviceTime uint32) {
	for _, p := range h.pod.ConnectedPeers() {
		state := p.Net.State()
		if state == command.StateDisconnected || state == command.StateZombie {
			continue
		}

		if h.engine.CheckTimeouts(p, serviceTime) {
			h.engine.NotifyDisconnect(p, false)
			continue
		}

		ch := h.chambers[p.Index()]
		ch.Reset(int(p.Net.MTU()))
		ch.SetHeader(wire.ProtocolHeader{PeerID: p.OutgoingPeerID, SessionID: p.OutgoingSessionID, SentTime: uint16(serviceTime)})

		h.engine.SendAcknowledgements(p, ch)
		canPing := h.engine.SendReliableOutgoingCommands(p, ch, serviceTime)
		h.engine.SendUnreliableOutgoingCommands(p, ch)

		if canPing && state == command.StateConnected &&
			clock.Difference(serviceTime, p.Net.LastSendTime()) >= wire.PeerPingInterval {
			ping := wire.Message{Header: wire.CommandHeader{Command: wire.CommandPing, ChannelID: 0xFF}}
			if ch.SendingContinues(ping, wire.MaximumSegmentCommands) {
				ch.Add(ping)
			}
		}

		if ch.Empty() {
			continue
		}
		if err := h.writeChamber(p, ch); err != nil {
			h.log.Warn("send pass failed", zap.Uint16("peer_id", p.IncomingPeerID), zap.Error(err))
			continue
		}
		p.Net.SetLastSendTime(serviceTime)
	}
}

// receiveIncomingPass drains every datagram currently sitting in the
// socket's receive buffer, stopping once ReadFrom reports ErrSocketBusy.
func (h *Host) receiveIncomingPass(serviceTime uint32) error {
	for {
		n, addr, err := h.socket.ReadFrom(h.recvBuf)
		if err != nil {
			if errors.Is(err, ErrSocketBusy) {
				return nil
			}
			return err
		}
		h.metrics.datagramsRecv.Inc()
		h.metrics.bytesRecv.Add(float64(n))

		h.handleDatagram(h.recvBuf[:n], addr, serviceTime)

		// A datagram arrived within the deadline SetReadDeadline already
		// armed for this Service iteration; once the buffer looks empty,
		// stop without waiting out the rest of that deadline again.
		if err := h.socket.SetReadDeadline(time.Now()); err != nil {
			return err
		}
	}
}

// recvInterfaceSocket is implemented by udpSocket; asserted rather than
// added to DatagramSocket so a caller's custom socket never has to satisfy
// it.
type recvInterfaceSocket interface {
	RecvInterfaceIndex() int
}

func (h *Host) handleDatagram(buf []byte, addr net.Addr, serviceTime uint32) {
	hdr, consumed, err := wire.DecodeProtocolHeader(buf)
	if err != nil {
		h.log.Debug("dropping malformed datagram", zap.Error(err))
		return
	}
	buf = buf[consumed:]

	if rs, ok := h.socket.(recvInterfaceSocket); ok {
		if ifIndex := rs.RecvInterfaceIndex(); ifIndex != 0 {
			h.log.Debug("datagram received", zap.String("remote", addr.String()), zap.Int("iface", ifIndex))
		}
	}

	if hdr.Compressed {
		if h.compressor == nil {
			h.log.Debug("dropping compressed datagram: no compressor configured")
			return
		}
		expanded, err := h.compressor.Decompress(buf, wire.MaximumMTU)
		if err != nil {
			h.log.Debug("dropping datagram: decompress failed", zap.Error(err))
			return
		}
		buf = expanded
	}

	var p *peer.Peer
	if hdr.PeerID != wire.MaximumPeerID {
		if cand := h.pod.Peer(int(hdr.PeerID)); cand != nil && cand.Net.State() != command.StateDisconnected {
			if cand.RemoteAddr == nil || cand.RemoteAddr.String() == addr.String() {
				p = cand
			}
		}
	}

	var datagramSentTime uint32
	if hdr.HasSentTime {
		datagramSentTime = uint32(hdr.SentTime)
	}

	for len(buf) > 0 {
		msg, n, err := wire.DecodeMessage(buf)
		if err != nil {
			h.log.Debug("dropping malformed command", zap.Error(err))
			return
		}
		buf = buf[n:]

		if p == nil {
			p = h.bootstrapPeer(msg, addr)
			if p == nil {
				return
			}
			continue
		}

		h.dispatchCommand(p, msg, datagramSentTime, serviceTime)
	}
}

// bootstrapPeer handles the one command type legal from an unassigned peer
// id (0xFFF, spec §6): CONNECT. It allocates a pod slot, runs the responder
// side of the handshake, and queues the VERIFY_CONNECT reply.
func (h *Host) bootstrapPeer(msg wire.Message, addr net.Addr) *peer.Peer {
	if msg.Header.Command != wire.CommandConnect {
		h.log.Debug("dropping datagram: first command from an unassigned peer id must be CONNECT")
		return nil
	}

	np, err := h.pod.AvailablePeer()
	if err != nil {
		h.log.Debug("rejecting connect: peer pool full")
		return nil
	}

	if h.pod.IncrementDuplicatePeers() {
		h.pod.DecrementDuplicatePeers()
		h.pod.Release(np)
		h.log.Debug("rejecting connect: duplicate-peer cap exceeded")
		return nil
	}

	if !h.engine.HandleConnect(np, msg, addr, h.incomingBandwidth, h.outgoingBandwidth, uint16(np.Index())) {
		h.pod.DecrementDuplicatePeers()
		h.pod.Release(np)
		return nil
	}

	channelCount := msg.Connect.ChannelCount
	if uint32(h.channelCount) < channelCount {
		channelCount = uint32(h.channelCount)
	}

	verify := wire.Message{Header: wire.CommandHeader{
		Command:     wire.CommandVerifyConnect,
		ChannelID:   0xFF,
		Acknowledge: true,
	}}
	verify.Connect = wire.ConnectBody{
		PeerID:                      np.IncomingPeerID,
		IncomingSessionID:           np.IncomingSessionID,
		OutgoingSessionID:           np.OutgoingSessionID,
		MTU:                         uint16(np.Net.MTU()),
		WindowSize:                  np.Net.WindowSize(),
		ChannelCount:                channelCount,
		IncomingBandwidth:           h.incomingBandwidth,
		OutgoingBandwidth:           h.outgoingBandwidth,
		SegmentThrottleInterval:     np.Net.SegmentThrottleInterval(),
		SegmentThrottleAcceleration: np.Net.SegmentThrottleAcceleration(),
		SegmentThrottleDeceleration: np.Net.SegmentThrottleDeceleration(),
		ConnectID:                   np.ConnectID,
	}
	np.QueueOutgoingCommand(verify, nil, 0)

	h.log.Debug("connect accepted", zap.String("remote_addr", addr.String()), zap.Uint16("peer_id", np.IncomingPeerID))
	return np
}

// dispatchCommand runs one already-resolved peer's command through the
// protocol engine. Acknowledgement queuing happens ahead of the per-command
// switch, mirroring SendAcknowledgements being drained ahead of every other
// outgoing queue (spec §4.5/§4.6).
func (h *Host) dispatchCommand(p *peer.Peer, msg wire.Message, datagramSentTime, serviceTime uint32) {
	p.Net.SetLastReceiveTime(serviceTime)
	p.LastReceiveTime = serviceTime

	if msg.Header.Acknowledge && msg.Header.Command != wire.CommandAcknowledge {
		p.QueueAcknowledgement(msg.Header, datagramSentTime)
	}

	switch msg.Header.Command {
	case wire.CommandAcknowledge:
		state := p.Net.State()
		ev, fire, err := h.engine.HandleAcknowledge(p, msg, serviceTime, func(pp *peer.Peer) {
			if dev, ok := h.engine.NotifyDisconnect(pp, true); ok {
				h.pendingEvents = append(h.pendingEvents, dev)
			}
		})
		if err != nil {
			h.log.Debug("dropping peer on protocol violation", zap.Error(err))
			h.engine.ResetPeer(p)
			return
		}
		// AcknowledgingConnect's fire==true duplicates what NotifyConnect
		// already enqueued on the dispatch hub; Disconnecting's needs
		// surfacing directly, since NotifyDisconnect(immediate) never
		// enqueues the peer anywhere else. An ack received while CONNECTED
		// surfaces as a RECEIVE_ACK event.
		if fire && state == command.StateDisconnecting {
			h.pendingEvents = append(h.pendingEvents, ev)
		} else if !fire && state == command.StateConnected && ev.Type == dispatch.EventReceiveAck {
			h.pendingEvents = append(h.pendingEvents, ev)
		}

	case wire.CommandVerifyConnect:
		if _, _, err := h.engine.HandleVerifyConnect(p, msg); err != nil {
			h.log.Debug("verify_connect rejected", zap.Error(err))
		}

	case wire.CommandDisconnect:
		h.engine.HandleDisconnect(p, msg)

	case wire.CommandPing:
		_ = h.engine.HandlePing(p)

	case wire.CommandSendReliable:
		if err := h.engine.HandleSendReliable(p, msg, msg.Payload, segment.FlagReliable); err != nil {
			h.log.Debug("send_reliable rejected", zap.Error(err))
		}

	case wire.CommandSendUnreliable:
		if err := h.engine.HandleSendReliable(p, msg, msg.Payload, 0); err != nil {
			h.log.Debug("send_unreliable rejected", zap.Error(err))
		}

	case wire.CommandSendUnsequenced:
		if err := h.engine.HandleSendReliable(p, msg, msg.Payload, segment.FlagUnsequenced); err != nil {
			h.log.Debug("send_unsequenced rejected", zap.Error(err))
		}

	case wire.CommandSendFragment, wire.CommandSendUnreliableFragment:
		if err := h.engine.HandleSendFragment(p, msg, msg.Payload); err != nil {
			h.log.Debug("send_fragment rejected", zap.Error(err))
		}

	case wire.CommandBandwidthLimit:
		h.engine.HandleBandwidthLimit(p, msg)

	case wire.CommandThrottleConfigure:
		h.engine.HandleThrottleConfigure(p, msg)

	default:
		h.log.Debug("dropping command a peer may not originate", zap.Uint8("command", uint8(msg.Header.Command)))
	}
}
