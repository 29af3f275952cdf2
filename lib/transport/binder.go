package transport

import (
	"net"
	"sync"

	"github.com/go-i2p/logger"
	"github.com/samber/oops"

	"github.com/go-i2p/go-hopwire/lib/util/time/monotonic"
)

var log = logger.GetGoI2PLogger()

const (
	// MaxDatagramSize bounds a single read; anything larger than a
	// typical path MTU is truncated by the kernel and dropped by the
	// header decoder anyway.
	MaxDatagramSize = 1472

	// DefaultQueueDepth is the inbound channel capacity.
	DefaultQueueDepth = 256
)

var (
	ErrBinderClosed = oops.Errorf("transport: binder is closed")
	ErrPortNotBound = oops.Errorf("transport: port not bound")
)

// Datagram is one inbound packet plus receive metadata. ArrivalRaw is the
// raw monotonic clock reading at the moment of the read, before any queueing
// delay inside the session.
type Datagram struct {
	Data       []byte
	From       *net.UDPAddr
	LocalPort  int
	ArrivalRaw int64
}

// Binder keeps UDP sockets bound on the session's active port set and fans
// their reads into one inbound channel.
type Binder struct {
	listenIP net.IP
	clock    *monotonic.Clock
	inbound  chan Datagram

	mu     sync.Mutex
	conns  map[int]*net.UDPConn
	closed bool
	wg     sync.WaitGroup
}

// NewBinder creates a Binder listening on the given IP. A nil IP listens on
// all interfaces.
func NewBinder(listenIP net.IP, clock *monotonic.Clock, queueDepth int) *Binder {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Binder{
		listenIP: listenIP,
		clock:    clock,
		inbound:  make(chan Datagram, queueDepth),
		conns:    make(map[int]*net.UDPConn),
	}
}

// Inbound is the channel all bound sockets deliver to.
func (b *Binder) Inbound() <-chan Datagram {
	return b.inbound
}

// BindPorts binds any port in the list not already bound. Port zero binds a
// kernel-chosen port, visible afterwards in BoundPorts. On error the ports
// bound so far in this call stay bound.
func (b *Binder) BindPorts(ports []int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBinderClosed
	}
	for _, port := range ports {
		if port != 0 {
			if _, ok := b.conns[port]; ok {
				continue
			}
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: b.listenIP, Port: port})
		if err != nil {
			return oops.Errorf("transport: binding port %d: %w", port, err)
		}
		actual := conn.LocalAddr().(*net.UDPAddr).Port
		b.conns[actual] = conn
		b.wg.Add(1)
		go b.readLoop(conn, actual)
		log.WithField("port", actual).Debug("Bound hop port")
	}
	return nil
}

// UnbindPorts closes the sockets on the given ports. Unknown ports are
// ignored.
func (b *Binder) UnbindPorts(ports []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, port := range ports {
		if conn, ok := b.conns[port]; ok {
			conn.Close()
			delete(b.conns, port)
			log.WithField("port", port).Debug("Unbound hop port")
		}
	}
}

// Retune moves the bound set from prev to next, binding additions before
// closing removals.
func (b *Binder) Retune(added, removed []int) error {
	if err := b.BindPorts(added); err != nil {
		return err
	}
	b.UnbindPorts(removed)
	return nil
}

// BoundPorts returns the currently bound ports.
func (b *Binder) BoundPorts() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ports := make([]int, 0, len(b.conns))
	for port := range b.conns {
		ports = append(ports, port)
	}
	return ports
}

// Send transmits a datagram from the socket bound on fromPort.
func (b *Binder) Send(fromPort int, to *net.UDPAddr, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBinderClosed
	}
	conn, ok := b.conns[fromPort]
	b.mu.Unlock()
	if !ok {
		return ErrPortNotBound
	}
	if _, err := conn.WriteToUDP(data, to); err != nil {
		return oops.Errorf("transport: sending to %s: %w", to, err)
	}
	return nil
}

// SendAny transmits from any currently bound socket.
func (b *Binder) SendAny(to *net.UDPAddr, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBinderClosed
	}
	var conn *net.UDPConn
	for _, c := range b.conns {
		conn = c
		break
	}
	b.mu.Unlock()
	if conn == nil {
		return ErrPortNotBound
	}
	if _, err := conn.WriteToUDP(data, to); err != nil {
		return oops.Errorf("transport: sending to %s: %w", to, err)
	}
	return nil
}

// Close unbinds every port and drains the read loops. Safe to call twice.
func (b *Binder) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for port, conn := range b.conns {
		conn.Close()
		delete(b.conns, port)
	}
	b.mu.Unlock()
	b.wg.Wait()
	close(b.inbound)
}

func (b *Binder) readLoop(conn *net.UDPConn, port int) {
	defer b.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			// Socket closed by UnbindPorts or Close.
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dg := Datagram{
			Data:       data,
			From:       from,
			LocalPort:  port,
			ArrivalRaw: b.clock.ElapsedMillis(),
		}
		select {
		case b.inbound <- dg:
		default:
			log.WithField("port", port).Warn("Inbound queue full, dropping datagram")
		}
	}
}
