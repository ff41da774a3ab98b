// Package dispatch implements the cross-peer event queue and the
// connected/bandwidth-limited peer counters the bandwidth throttle pass
// reads (spec §4.5/§4.7 DispatchHub).
package dispatch

import (
	"github.com/rudpnet/rudp/internal/command"
	"github.com/rudpnet/rudp/internal/peer"
	"github.com/rudpnet/rudp/segment"
)

// EventType classifies a user-visible Event (spec §6, "Event surface").
type EventType uint8

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
	EventReceiveAck
)

// Event is the application-visible outcome of a Host.Service call.
type Event struct {
	Type      EventType
	Peer      *peer.Peer
	ChannelID uint8
	Data      uint32
	Segment   *segment.Segment
}

// Hub is the dispatch hub: a FIFO of peers awaiting event emission, plus
// the connected/bandwidth-limited peer counts the bandwidth throttle pass
// consumes, and the recalculate-bandwidth-limits flag it sets.
type Hub struct {
	queue []*peer.Peer

	bandwidthLimitedPeers int
	connectedPeers        int

	recalculateBandwidthLimits bool
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{}
}

// Enqueue adds peer to the dispatch queue, unless it is already queued.
func (h *Hub) Enqueue(p *peer.Peer) {
	if p.InDispatchQueue {
		return
	}
	p.InDispatchQueue = true
	h.queue = append(h.queue, p)
}

// Dequeue pops the next peer awaiting dispatch, or nil if the queue is
// empty.
func (h *Hub) Dequeue() *peer.Peer {
	if len(h.queue) == 0 {
		return nil
	}
	p := h.queue[0]
	h.queue = h.queue[1:]
	p.InDispatchQueue = false
	return p
}

// PeerExists reports whether any peer is waiting for dispatch.
func (h *Hub) PeerExists() bool { return len(h.queue) > 0 }

// BandwidthLimitedPeers returns the count of connected peers that have
// advertised a nonzero incoming bandwidth cap.
func (h *Hub) BandwidthLimitedPeers() int { return h.bandwidthLimitedPeers }

// ConnectedPeers returns the count of peers in CONNECTED or
// DISCONNECT_LATER state.
func (h *Hub) ConnectedPeers() int { return h.connectedPeers }

// RecalculateBandwidthLimits reports whether BandwidthThrottle should
// redistribute and announce bandwidth limits on its next pass.
func (h *Hub) RecalculateBandwidthLimits() bool { return h.recalculateBandwidthLimits }

// SetRecalculateBandwidthLimits sets or clears the recalculation flag.
func (h *Hub) SetRecalculateBandwidthLimits(v bool) { h.recalculateBandwidthLimits = v }

// MergePeer accounts for a peer that has just become CONNECTED or
// DISCONNECT_LATER: bumps the connected-peer count and, if it advertised
// an incoming bandwidth cap, the bandwidth-limited count too.
func (h *Hub) MergePeer(p *peer.Peer) {
	h.connectedPeers++
	if p.Net.IncomingBandwidth() != 0 {
		h.bandwidthLimitedPeers++
	}
}

// PurgePeer undoes MergePeer's accounting when a connected peer is torn
// down.
func (h *Hub) PurgePeer(p *peer.Peer) {
	if h.connectedPeers > 0 {
		h.connectedPeers--
	}
	if p.Net.IncomingBandwidth() != 0 && h.bandwidthLimitedPeers > 0 {
		h.bandwidthLimitedPeers--
	}
}

// ChangeState transitions peer to state, running the Merge/Purge
// accounting whenever the transition enters or leaves the
// CONNECTED/DISCONNECT_LATER pair. A peer entering ZOMBIE is also enqueued
// for dispatch, so its DISCONNECT event is surfaced.
func (h *Hub) ChangeState(p *peer.Peer, state command.PeerState) {
	wasActive := isActiveState(p.Net.State())
	p.Net.SetState(state)
	isActive := isActiveState(state)

	switch {
	case !wasActive && isActive:
		h.MergePeer(p)
	case wasActive && !isActive:
		h.PurgePeer(p)
	}

	if state == command.StateZombie {
		h.Enqueue(p)
	}
}

// isActiveState reports whether a peer in this state counts towards
// connected/bandwidth-limited accounting (spec §4.4: CONNECTED and
// DISCONNECT_LATER both count; a peer past CONNECTION_PENDING that we are
// about to disconnect still needs its bandwidth reclaimed on the way out).
func isActiveState(s command.PeerState) bool {
	return s == command.StateConnected || s == command.StateDisconnectLater
}

// NotifyConnect advances a peer whose handshake half just got acknowledged
// towards CONNECTED and enqueues it for dispatch. Which pending state it
// takes depends on which side of the handshake this is: the initiator was
// CONNECTING (its VERIFY_CONNECT just arrived, by way of HandleVerifyConnect)
// and becomes CONNECTION_SUCCEEDED; the responder was ACKNOWLEDGING_CONNECT
// (its VERIFY_CONNECT just got acked) and becomes CONNECTION_PENDING.
// DispatchIncomingCommands is what finally promotes either one to CONNECTED,
// once it actually hands the CONNECT event to the caller.
func (h *Hub) NotifyConnect(p *peer.Peer) Event {
	if p.Net.State() == command.StateConnecting {
		p.Net.SetState(command.StateConnectionSucceeded)
	} else {
		p.Net.SetState(command.StateConnectionPending)
	}
	h.Enqueue(p)
	return Event{Type: EventConnect, Peer: p, Data: p.EventData}
}

// FlagRecalculateBandwidthLimits sets the recalculate-bandwidth-limits flag
// if p had progressed far enough (CONNECTION_PENDING or later) to have been
// counted in bandwidth accounting in the first place. Disconnect handling
// has more than one delivery shape (immediate vs. deferred-to-ZOMBIE, see
// internal/protocol.Engine.NotifyDisconnect), so unlike NotifyConnect this
// Hub method doesn't also build the Event or enqueue the peer — callers own
// that part themselves.
func (h *Hub) FlagRecalculateBandwidthLimits(p *peer.Peer) {
	if p.Net.State() >= command.StateConnectionPending {
		h.recalculateBandwidthLimits = true
	}
}
