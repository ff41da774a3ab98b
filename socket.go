package rudp

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ErrSocketBusy marks a non-blocking send/receive that found no datagram
// ready, or no send-buffer room available (spec §6, DatagramSocket
// contract's BUSY condition). Service treats this as Transient and
// retries on the next iteration.
var ErrSocketBusy = errors.New("rudp: socket busy")

// DatagramSocket is the transport a Host drains its send/receive passes
// through (spec §6). The default implementation wraps a net.UDPConn;
// callers may substitute their own (a test double, a multiplexed
// transport) as long as it honours the non-blocking contract: ReadFrom
// and WriteTo return ErrSocketBusy rather than block past their
// deadline.
type DatagramSocket interface {
	ReadFrom(buf []byte) (n int, addr net.Addr, err error)
	WriteTo(buf []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// udpSocket is the default DatagramSocket: a dual-stack UDP conn with
// golang.org/x/net's per-family PacketConn wrapper layered on top. When the
// socket is bound to a single family (not dual-stack "udp"), ReadFrom reads
// through that family's PacketConn with its control message enabled, so the
// host can report which local interface each datagram actually arrived on
// (recvIfIndex) — useful on multi-homed hosts where "which NIC is this peer
// reaching us through" matters for diagnostics. A dual-stack socket can't
// attribute every datagram to one family's PacketConn, so it reads through
// the raw conn instead and recvIfIndex stays 0.
type udpSocket struct {
	conn *net.UDPConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn

	recvIfIndex int
}

// newUDPSocket binds addr (":0" picks an ephemeral port; "" means any
// address). network should be "udp", "udp4", or "udp6" — "udp" yields a
// dual-stack socket, which is what the IPv6-loopback connect scenario
// (spec §8 S1) relies on.
func newUDPSocket(network, addr string) (*udpSocket, error) {
	udpAddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, errors.Wrap(ErrInputInvalid, err.Error())
	}
	conn, err := net.ListenUDP(network, udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, "rudp: bind socket")
	}

	s := &udpSocket{conn: conn}
	dualStack := udpAddr.IP == nil
	if dualStack || udpAddr.IP.To4() != nil {
		s.p4 = ipv4.NewPacketConn(conn)
		if !dualStack {
			_ = s.p4.SetControlMessage(ipv4.FlagInterface, true)
		}
	}
	if dualStack || udpAddr.IP.To4() == nil {
		s.p6 = ipv6.NewPacketConn(conn)
		if !dualStack {
			_ = s.p6.SetControlMessage(ipv6.FlagInterface, true)
		}
	}
	return s, nil
}

func (s *udpSocket) ReadFrom(buf []byte) (int, net.Addr, error) {
	switch {
	case s.p4 != nil && s.p6 == nil:
		n, cm, addr, err := s.p4.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil, ErrSocketBusy
			}
			return 0, nil, err
		}
		if cm != nil {
			s.recvIfIndex = cm.IfIndex
		}
		return n, addr, nil

	case s.p6 != nil && s.p4 == nil:
		n, cm, addr, err := s.p6.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil, ErrSocketBusy
			}
			return 0, nil, err
		}
		if cm != nil {
			s.recvIfIndex = cm.IfIndex
		}
		return n, addr, nil

	default:
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, nil, ErrSocketBusy
			}
			return 0, nil, err
		}
		return n, addr, nil
	}
}

// RecvInterfaceIndex reports the local interface index the most recently
// read datagram arrived on, or 0 if the socket is dual-stack or no control
// message has been observed yet.
func (s *udpSocket) RecvInterfaceIndex() int { return s.recvIfIndex }

func (s *udpSocket) WriteTo(buf []byte, addr net.Addr) (int, error) {
	n, err := s.conn.WriteTo(buf, addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, ErrSocketBusy
		}
		return 0, err
	}
	return n, nil
}

func (s *udpSocket) SetReadDeadline(t time.Time) error { return s.conn.SetReadDeadline(t) }
func (s *udpSocket) LocalAddr() net.Addr               { return s.conn.LocalAddr() }

// family reports which address family control-message wrapper this
// socket set up, for startup logging.
func (s *udpSocket) family() string {
	switch {
	case s.p4 != nil && s.p6 != nil:
		return "dual-stack"
	case s.p6 != nil:
		return "ipv6"
	default:
		return "ipv4"
	}
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
