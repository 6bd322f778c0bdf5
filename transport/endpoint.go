// Package transport provides the duplex datagram endpoint the protocol
// engines run over: bound to a local address, capable of send-to and
// receive-from a peer address. The engines depend only on the [Endpoint]
// interface, never on *net.UDPConn directly, so tests can swap in
// [NewLoopbackPair] and a lossy [DropFilter] wrapper without touching
// engine code.
package transport

import (
	"errors"
	"net"
	"time"
)

// Endpoint is the minimal duplex datagram interface the core protocol
// engine needs.
type Endpoint interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
	LocalAddr() net.Addr
	Close() error
	SetReadDeadline(t time.Time) error
}

// ErrClosed is returned by ReadFrom/WriteTo on a closed Endpoint that isn't
// backed by a real socket (LoopbackPair), mirroring net.ErrClosed.
var ErrClosed = errors.New("transport: endpoint closed")
