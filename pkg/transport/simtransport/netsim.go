package simtransport

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// ErrClosed соединение закрыто
var ErrClosed = errors.New("simtransport: соединение закрыто")

// Addr адрес конечной точки внутри Network
type Addr string

// Network реализует net.Addr
func (a Addr) Network() string { return "sim" }

func (a Addr) String() string { return string(a) }

type datagram struct {
	data []byte
	from net.Addr
}

// Network in-memory сеть датаграмм с управляемой потерей пакетов
type Network struct {
	mu         sync.RWMutex
	conns      map[string]*PacketConn
	bufferSize int
	dropRate   float64
	rng        *rand.Rand
}

// NewNetwork создает сеть. seed задает детерминированную последовательность потерь.
func NewNetwork(seed uint64) *Network {
	return &Network{
		conns:      make(map[string]*PacketConn),
		bufferSize: 256,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SetDropRate задает вероятность потери датаграммы (0..1)
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = min(max(rate, 0), 1)
}

// DropRate текущая вероятность потери
func (n *Network) DropRate() float64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropRate
}

// Listen создает конечную точку с адресом addr
func (n *Network) Listen(addr string) (*PacketConn, error) {
	if addr == "" {
		return nil, errors.New("simtransport: пустой адрес")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.conns[addr]; exists {
		return nil, fmt.Errorf("simtransport: адрес %s уже занят", addr)
	}
	conn := &PacketConn{
		local:    Addr(addr),
		network:  n,
		incoming: make(chan datagram, n.bufferSize),
		closed:   make(chan struct{}),
	}
	n.conns[addr] = conn
	return conn, nil
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, addr)
}

func (n *Network) drop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropRate > 0 && n.rng.Float64() < n.dropRate
}

// deliver кладет датаграмму в очередь получателя. Потерянные и не
// поместившиеся в буфер датаграммы молча отбрасываются, как в UDP.
func (n *Network) deliver(to string, data []byte, from net.Addr) error {
	n.mu.RLock()
	conn, ok := n.conns[to]
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("simtransport: адрес %s не найден", to)
	}
	if n.drop() {
		return nil
	}

	dg := datagram{data: append([]byte(nil), data...), from: from}
	select {
	case <-conn.closed:
		return ErrClosed
	default:
	}
	select {
	case conn.incoming <- dg:
	default:
	}
	return nil
}

// PacketConn конечная точка Network, реализует net.PacketConn
type PacketConn struct {
	local    Addr
	network  *Network
	incoming chan datagram
	closed   chan struct{}
	once     sync.Once

	deadlineMu    sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.PacketConn = (*PacketConn)(nil)

// ReadFrom читает следующую датаграмму
func (c *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.deadlineMu.RLock()
	deadline := c.readDeadline
	c.deadlineMu.RUnlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case dg := <-c.incoming:
		n := copy(b, dg.data)
		if n < len(dg.data) {
			return n, dg.from, fmt.Errorf("simtransport: буфер %d байт меньше датаграммы %d байт", len(b), len(dg.data))
		}
		return n, dg.from, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	case <-c.closed:
		return 0, nil, ErrClosed
	}
}

// WriteTo отправляет датаграмму на адрес внутри той же Network
func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}

	c.deadlineMu.RLock()
	deadline := c.writeDeadline
	c.deadlineMu.RUnlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, timeoutError{}
	}

	if err := c.network.deliver(addr.String(), b, c.local); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close закрывает конечную точку, повторный вызов безопасен
func (c *PacketConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.network.remove(string(c.local))
	})
	return nil
}

// LocalAddr реализует net.PacketConn
func (c *PacketConn) LocalAddr() net.Addr { return c.local }

// SetDeadline реализует net.PacketConn
func (c *PacketConn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline реализует net.PacketConn
func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline реализует net.PacketConn
func (c *PacketConn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.writeDeadline = t
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}
