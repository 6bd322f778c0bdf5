package transport

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// SocketConfig tunes the OS socket backing a [UDPEndpoint]. A zero value
// leaves every OS default untouched.
type SocketConfig struct {
	// BufferBytes, when > 0, is applied as SO_RCVBUF and SO_SNDBUF.
	BufferBytes int
	// TTL, when > 0, sets the outbound IPv4 time-to-live.
	TTL int
	// TOS, when > 0, sets the outbound IPv4 TOS/DSCP byte.
	TOS int
}

// UDPEndpoint wraps a *net.UDPConn, applying socket buffer sizing via
// golang.org/x/sys/unix and TTL/TOS via golang.org/x/net/ipv4.PacketConn.
type UDPEndpoint struct {
	conn *net.UDPConn
	pc   *ipv4.PacketConn
	cfg  SocketConfig
}

// NewUDPEndpoint binds a UDP socket at bind (host:port, "" host for
// wildcard) and applies cfg.
func NewUDPEndpoint(bind string, cfg SocketConfig) (*UDPEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving bind address %q: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: binding %q: %w", bind, err)
	}
	e := &UDPEndpoint{conn: conn, pc: ipv4.NewPacketConn(conn), cfg: cfg}
	if err := e.applySocketOptions(); err != nil {
		conn.Close()
		return nil, err
	}
	return e, nil
}

func (e *UDPEndpoint) applySocketOptions() error {
	if e.cfg.BufferBytes > 0 {
		rc, err := e.conn.SyscallConn()
		if err != nil {
			return fmt.Errorf("transport: obtaining raw conn: %w", err)
		}
		var sockErr error
		err = rc.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, e.cfg.BufferBytes); err != nil {
				sockErr = err
				return
			}
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, e.cfg.BufferBytes)
		})
		if err != nil {
			return fmt.Errorf("transport: raw conn control: %w", err)
		}
		if sockErr != nil {
			return fmt.Errorf("transport: setting socket buffers: %w", sockErr)
		}
	}
	if e.cfg.TTL > 0 {
		if err := e.pc.SetTTL(e.cfg.TTL); err != nil {
			return fmt.Errorf("transport: setting TTL: %w", err)
		}
	}
	if e.cfg.TOS > 0 {
		if err := e.pc.SetTOS(e.cfg.TOS); err != nil {
			return fmt.Errorf("transport: setting TOS: %w", err)
		}
	}
	return nil
}

func (e *UDPEndpoint) WriteTo(b []byte, addr net.Addr) (int, error) { return e.conn.WriteTo(b, addr) }
func (e *UDPEndpoint) ReadFrom(b []byte) (int, net.Addr, error)     { return e.conn.ReadFrom(b) }
func (e *UDPEndpoint) LocalAddr() net.Addr                          { return e.conn.LocalAddr() }
func (e *UDPEndpoint) Close() error                                 { return e.conn.Close() }
func (e *UDPEndpoint) SetReadDeadline(t time.Time) error            { return e.conn.SetReadDeadline(t) }
