package peer

import "github.com/pkg/errors"

// ErrPodFull is returned when every slot of a Pod is in use.
var ErrPodFull = errors.New("peer: pod has no available slot")

// Pod is a fixed-capacity peer allocator: a Host's array of Peer slots,
// indexed by incoming peer id (spec §3 Host: "PeerPod, fixed-capacity
// vector of Peer").
type Pod struct {
	peers         []*Peer
	channelCount  int
	duplicatePeers uint16
	maxDuplicates  uint16
}

// NewPod returns a Pod with capacity slots, each pre-allocated with
// channelCount channels. maxDuplicates bounds how many simultaneous
// connections may share a remote IP (0 disables the check, matching
// "no cap").
func NewPod(capacity, channelCount int, maxDuplicates uint16) *Pod {
	pod := &Pod{
		peers:         make([]*Peer, capacity),
		channelCount:  channelCount,
		maxDuplicates: maxDuplicates,
	}
	for i := range pod.peers {
		pod.peers[i] = New(channelCount, i)
	}
	return pod
}

// Peer returns the peer occupying slot idx, or nil if idx is out of range.
func (pod *Pod) Peer(idx int) *Peer {
	if idx < 0 || idx >= len(pod.peers) {
		return nil
	}
	return pod.peers[idx]
}

// Len returns the pod's fixed capacity.
func (pod *Pod) Len() int { return len(pod.peers) }

// AvailablePeer returns the first unused slot, marks it used, and returns
// it. It returns ErrPodFull if every slot is occupied.
func (pod *Pod) AvailablePeer() (*Peer, error) {
	for _, p := range pod.peers {
		if !p.used {
			p.used = true
			return p, nil
		}
	}
	return nil, ErrPodFull
}

// Release returns p's slot to the pool, resetting its connection state.
func (pod *Pod) Release(p *Peer) {
	p.Reset()
}

// IncrementDuplicatePeers records a new connection sharing an already-seen
// remote address and reports whether the duplicate cap was exceeded.
func (pod *Pod) IncrementDuplicatePeers() bool {
	pod.duplicatePeers++
	return pod.maxDuplicates != 0 && pod.duplicatePeers > pod.maxDuplicates
}

// DecrementDuplicatePeers undoes IncrementDuplicatePeers when a duplicate
// connection is torn down.
func (pod *Pod) DecrementDuplicatePeers() {
	if pod.duplicatePeers > 0 {
		pod.duplicatePeers--
	}
}

// ConnectedPeers returns every peer slot currently in use, for iteration
// by the send/dispatch passes.
func (pod *Pod) ConnectedPeers() []*Peer {
	out := make([]*Peer, 0, len(pod.peers))
	for _, p := range pod.peers {
		if p.used {
			out = append(out, p)
		}
	}
	return out
}
