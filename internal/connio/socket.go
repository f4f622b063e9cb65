// Package connio is the UDP socket abstraction every connection actor
// sends and receives through. It plays the role the teacher's conn.Bind /
// conn.Endpoint pair plays for WireGuard (conn/bind_std.go,
// golang.zx2c4.com/wireguard/conn): a small interface in front of
// *net.UDPConn so the protocol core never handles a *net.UDPConn directly
// (it still uses *net.UDPAddr to name remote endpoints).
package connio

import (
	"fmt"
	"net"

	"github.com/felixschorer/cmb-protocol/internal/wire"
)

// Socket is a single UDP endpoint: either a server's bound listen address
// or a client's ephemeral local socket dialed toward one server endpoint.
// The (local, remote) pair it carries packets for is exactly spec.md §3's
// Connection 4-tuple.
type Socket struct {
	conn      *net.UDPConn
	connected bool
}

// Listen opens a UDP socket bound to the given local address, for server
// use: one Socket per -a/-p pair on the command line.
func Listen(laddr *net.UDPAddr) (*Socket, error) {
	conn, err := net.ListenUDP(udpNetwork(laddr), laddr)
	if err != nil {
		return nil, fmt.Errorf("connio: listen %s: %w", laddr, err)
	}
	return &Socket{conn: conn}, nil
}

// Dial opens an ephemeral local UDP socket for client use, one per
// configured remote server endpoint.
func Dial(raddr *net.UDPAddr) (*Socket, error) {
	conn, err := net.DialUDP(udpNetwork(raddr), nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("connio: dial %s: %w", raddr, err)
	}
	return &Socket{conn: conn, connected: true}, nil
}

func udpNetwork(addr *net.UDPAddr) string {
	if addr.IP != nil && addr.IP.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

// Send writes one datagram. On a dialed (client) socket the kernel already
// knows the destination, so to is ignored; WriteToUDP on a connected
// *net.UDPConn would only return ErrWriteToConnected.
func (s *Socket) Send(b []byte, to *net.UDPAddr) error {
	if len(b) > wire.MaxDatagramSize {
		return fmt.Errorf("connio: datagram of %d bytes exceeds MaxDatagramSize", len(b))
	}
	var err error
	if s.connected || to == nil {
		_, err = s.conn.Write(b)
	} else {
		_, err = s.conn.WriteToUDP(b, to)
	}
	return err
}

// Recv blocks for the next datagram and reports its source address.
func (s *Socket) Recv(buf []byte) (int, *net.UDPAddr, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, err
}

// LocalAddr reports the address this socket is bound to.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying file descriptor.
func (s *Socket) Close() error {
	return s.conn.Close()
}
