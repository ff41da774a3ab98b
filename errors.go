package rudp

import "github.com/pkg/errors"

// Sentinel errors surfaced across the public API, grouped by the error
// taxonomy of kinds rather than distinct wire conditions (§7): callers
// match with errors.Is, not a type switch.
var (
	// ErrInputInvalid marks a caller-supplied argument out of range: a bad
	// port, bandwidth, channel count, or MTU.
	ErrInputInvalid = errors.New("rudp: invalid input")

	// ErrResourceExhausted marks the peer pool being full. Send does not
	// return it: reliable data beyond the peer's window stays queued until
	// the window opens.
	ErrResourceExhausted = errors.New("rudp: resource exhausted")

	// ErrNotConnected is returned by Send/Disconnect calls against a peer
	// that is not in a state that can carry application traffic.
	ErrNotConnected = errors.New("rudp: peer not connected")

	// ErrHostClosed is returned by Connect and Service after Close.
	ErrHostClosed = errors.New("rudp: host closed")
)
