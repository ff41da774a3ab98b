package rudp

import (
	"github.com/rudpnet/rudp/internal/dispatch"
	"github.com/rudpnet/rudp/internal/peer"
	"github.com/rudpnet/rudp/segment"
)

// EventType classifies an Event a Service call hands back to the caller
// (spec §6, "Event surface").
type EventType = dispatch.EventType

const (
	EventNone       = dispatch.EventNone
	EventConnect    = dispatch.EventConnect
	EventDisconnect = dispatch.EventDisconnect
	EventReceive    = dispatch.EventReceive
	EventReceiveAck = dispatch.EventReceiveAck
)

// Event is the application-visible outcome of one Service call: a peer
// connecting or disconnecting, a reassembled segment arriving, or a
// reliable send finally getting acknowledged.
type Event struct {
	Type      EventType
	Peer      *Peer
	ChannelID uint8
	Data      uint32
	Segment   *segment.Segment
}

func eventFromDispatch(h *Host, ev dispatch.Event) Event {
	return Event{
		Type:      ev.Type,
		Peer:      h.wrap(ev.Peer),
		ChannelID: ev.ChannelID,
		Data:      ev.Data,
		Segment:   ev.Segment,
	}
}

// Peer is the caller-facing handle to one remote endpoint. The internal
// peer.Peer it wraps is owned by the Host's pod and must only be touched
// from inside a Service call or the methods below, which all route
// through the Host they were obtained from.
type Peer struct {
	host *Host
	net  *peer.Peer
}

// State returns the peer's current position in the connection state
// machine, exposed mainly for tests and diagnostics.
func (p *Peer) State() PeerState { return p.net.Net.State() }

// RemoteAddr returns the address this peer was connected from or to.
func (p *Peer) RemoteAddr() string {
	if p.net.RemoteAddr == nil {
		return ""
	}
	return p.net.RemoteAddr.String()
}
