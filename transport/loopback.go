package transport

import (
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// addr is a trivial net.Addr for the in-memory loopback pair.
type addr string

func (a addr) Network() string { return "loopback" }
func (a addr) String() string  { return string(a) }

// NewLoopbackPair returns two connected, channel-backed [Endpoint]s that
// exchange datagrams in-memory, so loopback transfer tests don't need a
// real socket. Each is addressed by the given name.
func NewLoopbackPair(nameA, nameB string) (a, b *LoopbackEndpoint) {
	chA := make(chan datagram, 4096)
	chB := make(chan datagram, 4096)
	ea := &loopbackEndpoint{self: addr(nameA), inbox: chA, peerInbox: chB}
	eb := &loopbackEndpoint{self: addr(nameB), inbox: chB, peerInbox: chA}
	return &LoopbackEndpoint{ea}, &LoopbackEndpoint{eb}
}

type datagram struct {
	data []byte
	from net.Addr
}

type loopbackEndpoint struct {
	self      net.Addr
	inbox     chan datagram
	peerInbox chan datagram

	mu     sync.Mutex
	closed bool
	rdead  time.Time
}

// LoopbackEndpoint is the public handle returned by [NewLoopbackPair]; it
// satisfies [Endpoint].
type LoopbackEndpoint struct{ *loopbackEndpoint }

func (e *loopbackEndpoint) WriteTo(b []byte, _ net.Addr) (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case e.peerInbox <- datagram{data: cp, from: e.self}:
		return len(b), nil
	default:
		return len(b), nil // inbox full: drop silently, like a saturated UDP socket buffer.
	}
}

func (e *loopbackEndpoint) ReadFrom(b []byte) (int, net.Addr, error) {
	e.mu.Lock()
	dl := e.rdead
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, nil, ErrClosed
	}
	var timeout <-chan time.Time
	if !dl.IsZero() {
		d := time.Until(dl)
		if d <= 0 {
			return 0, nil, errTimeout{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case dg, ok := <-e.inbox:
		if !ok {
			return 0, nil, ErrClosed
		}
		n := copy(b, dg.data)
		return n, dg.from, nil
	case <-timeout:
		return 0, nil, errTimeout{}
	}
}

func (e *loopbackEndpoint) LocalAddr() net.Addr { return e.self }

func (e *loopbackEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.inbox)
	}
	return nil
}

func (e *loopbackEndpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.rdead = t
	e.mu.Unlock()
	return nil
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "transport: i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

// DropFilter wraps an Endpoint and drops outbound datagrams uniformly at
// random with probability p, for loss-injection tests.
type DropFilter struct {
	Endpoint
	p   float64
	rng *rand.Rand
	mu  sync.Mutex
}

// NewDropFilter wraps e, dropping each WriteTo call with probability p.
func NewDropFilter(e Endpoint, p float64, rng *rand.Rand) *DropFilter {
	return &DropFilter{Endpoint: e, p: p, rng: rng}
}

func (d *DropFilter) WriteTo(b []byte, a net.Addr) (int, error) {
	d.mu.Lock()
	drop := d.rng.Float64() < d.p
	d.mu.Unlock()
	if drop {
		return len(b), nil
	}
	return d.Endpoint.WriteTo(b, a)
}
