// Package transport provides the interruptible UDP endpoint the OHU
// session reads from. A single reader blocks in Recv; control threads
// eject it with Interrupt, which stays in force until cleared so flag
// checks cannot race the read path.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
)

// ErrInterrupted is returned by Recv while an interrupt is in force.
// It is recoverable: clear the interrupt and reads resume.
var ErrInterrupted = errors.New("transport: read interrupted")

// NetError wraps a transient UDP send/recv failure. Callers cannot
// distinguish transient from permanent at this layer; the session loop
// treats every NetError as grounds for a restart.
type NetError struct {
	Op  string
	Err error
}

func (e *NetError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *NetError) Unwrap() error { return e.Err }

// Socket is a reliable-close UDP endpoint. Open replaces any previous
// binding; Close is idempotent.
type Socket struct {
	mu          sync.Mutex
	conn        *net.UDPConn
	interrupted atomic.Bool
}

// NewSocket returns an unopened socket.
func NewSocket() *Socket {
	return &Socket{}
}

// OpenUnicast binds an ephemeral local port for exchanging datagrams
// with a unicast sender. TTL applies to outgoing packets.
func (s *Socket) OpenUnicast(ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return &NetError{Op: "open unicast", Err: err}
	}
	if err := ipv4.NewPacketConn(conn).SetTTL(ttl); err != nil {
		conn.Close()
		return &NetError{Op: "set ttl", Err: err}
	}
	s.conn = conn
	s.applyInterruptLocked()
	return nil
}

// OpenMulticast joins a multicast group on the given interface (nil for
// the system default) and binds the group's port. TTL and loopback
// apply to outgoing multicast.
func (s *Socket) OpenMulticast(ifi *net.Interface, group netip.AddrPort, ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()

	gaddr := &net.UDPAddr{IP: group.Addr().AsSlice(), Port: int(group.Port())}
	conn, err := net.ListenMulticastUDP("udp4", ifi, gaddr)
	if err != nil {
		return &NetError{Op: "open multicast", Err: err}
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(ttl); err != nil {
		conn.Close()
		return &NetError{Op: "set multicast ttl", Err: err}
	}
	// Loopback lets a sender and receiver share a host, which the
	// integration setup relies on.
	if err := p.SetMulticastLoopback(true); err != nil {
		conn.Close()
		return &NetError{Op: "set multicast loopback", Err: err}
	}
	s.conn = conn
	s.applyInterruptLocked()
	return nil
}

// LocalAddr returns the bound local endpoint, or the zero AddrPort if
// the socket is closed.
func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send transmits one datagram to the given endpoint.
func (s *Socket) Send(b []byte, ep netip.AddrPort) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return &NetError{Op: "send", Err: net.ErrClosed}
	}
	if _, err := conn.WriteToUDPAddrPort(b, ep); err != nil {
		return &NetError{Op: "send", Err: err}
	}
	return nil
}

// Recv blocks until a datagram arrives, the socket is closed, or an
// interrupt ejects the reader. There is no timeout: cancellation is
// Interrupt's job.
func (s *Socket) Recv(buf []byte) (int, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, &NetError{Op: "recv", Err: net.ErrClosed}
	}
	if s.interrupted.Load() {
		return 0, ErrInterrupted
	}
	n, _, err := conn.ReadFromUDPAddrPort(buf)
	if err != nil {
		if s.interrupted.Load() && errors.Is(err, os.ErrDeadlineExceeded) {
			return 0, ErrInterrupted
		}
		return 0, &NetError{Op: "recv", Err: err}
	}
	return n, nil
}

// Interrupt controls the reader-ejection flag. Setting it fails any
// in-flight or subsequent Recv with ErrInterrupted; clearing it lets
// reads block again. Idempotent and safe from any thread.
func (s *Socket) Interrupt(on bool) {
	s.interrupted.Store(on)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyInterruptLocked()
}

func (s *Socket) applyInterruptLocked() {
	if s.conn == nil {
		return
	}
	if s.interrupted.Load() {
		s.conn.SetReadDeadline(time.Now())
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
}

// Close releases the socket. Safe to call repeatedly.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *Socket) closeLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
