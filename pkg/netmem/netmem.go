// Package netmem реализует net.PacketConn в памяти.
//
// Соединения создаются через Registry и адресуют друг друга по строковому
// имени. Используется в тестах RTP потока вместо UDP сокетов.
//
//	reg := netmem.NewRegistry()
//	a := reg.Listen("alice:4000")
//	b := reg.Listen("bob:4000")
//	_, _ = a.WriteTo([]byte("hello"), b.LocalAddr())
package netmem

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrClosed соединение закрыто
var ErrClosed = errors.New("netmem: connection closed")

// DefaultBufferSize размер очереди входящих пакетов по умолчанию
const DefaultBufferSize = 256

// Addr адрес соединения в памяти
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

type packet struct {
	data []byte
	from Addr
}

// Registry набор соединений, доступных друг другу
type Registry struct {
	mu      sync.RWMutex
	conns   map[Addr]*Conn
	bufSize int
	// loss доля отбрасываемых пакетов: каждый loss-й пакет (0 - без потерь)
	loss    int
	counter int
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{conns: make(map[Addr]*Conn), bufSize: DefaultBufferSize}
}

// SetBufferSize размер очереди для новых соединений
func (r *Registry) SetBufferSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > 0 {
		r.bufSize = n
	}
}

// DropEvery отбрасывает каждый n-й доставляемый пакет. 0 отключает потери.
func (r *Registry) DropEvery(n int) {
	r.mu.Lock()
	r.loss, r.counter = n, 0
	r.mu.Unlock()
}

// Listen создает соединение с адресом addr. Существующее соединение с тем же адресом закрывается.
func (r *Registry) Listen(addr string) *Conn {
	r.mu.Lock()
	old := r.conns[Addr(addr)]
	c := &Conn{
		addr:     Addr(addr),
		registry: r,
		incoming: make(chan packet, r.bufSize),
		closed:   make(chan struct{}),
	}
	r.conns[Addr(addr)] = c
	r.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	return c
}

// Lookup возвращает соединение по адресу
func (r *Registry) Lookup(addr string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[Addr(addr)]
	return c, ok
}

// Len количество открытых соединений
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll закрывает все соединения
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[Addr]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// deliver кладет копию пакета в очередь получателя. Переполненная очередь теряет пакет, как UDP.
func (r *Registry) deliver(to Addr, data []byte, from Addr) error {
	r.mu.Lock()
	dst, ok := r.conns[to]
	drop := false
	if r.loss > 0 {
		r.counter++
		drop = r.counter%r.loss == 0
	}
	r.mu.Unlock()

	if !ok {
		return &net.OpError{Op: "write", Net: "mem", Addr: to, Err: fmt.Errorf("no listener at %s", to)}
	}
	if drop {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-dst.closed:
	case dst.incoming <- packet{data: buf, from: from}:
	default:
	}
	return nil
}

func (r *Registry) remove(c *Conn) {
	r.mu.Lock()
	if r.conns[c.addr] == c {
		delete(r.conns, c.addr)
	}
	r.mu.Unlock()
}

// Conn соединение в памяти
type Conn struct {
	addr     Addr
	registry *Registry
	incoming chan packet
	closed   chan struct{}
	once     sync.Once

	mu            sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.PacketConn = (*Conn)(nil)

// ReadFrom читает следующий пакет. Учитывает read deadline.
func (c *Conn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.RLock()
	deadline := c.readDeadline
	c.mu.RUnlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, timeoutError{}
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-c.closed:
		return 0, nil, ErrClosed
	default:
	}

	select {
	case p := <-c.incoming:
		n := copy(b, p.data)
		if n < len(p.data) {
			return n, p.from, fmt.Errorf("netmem: buffer too small: %d < %d", len(b), len(p.data))
		}
		return n, p.from, nil
	case <-timeout:
		return 0, nil, timeoutError{}
	case <-c.closed:
		return 0, nil, ErrClosed
	}
}

// WriteTo отправляет пакет соединению с адресом addr
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, ErrClosed
	default:
	}

	c.mu.RLock()
	deadline := c.writeDeadline
	c.mu.RUnlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, timeoutError{}
	}
	if addr == nil {
		return 0, errors.New("netmem: nil address")
	}

	if err := c.registry.deliver(Addr(addr.String()), b, c.addr); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close закрывает соединение. Повторный вызов безопасен.
func (c *Conn) Close() error {
	c.registry.remove(c)
	c.shutdown()
	return nil
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.closed) })
}

func (c *Conn) LocalAddr() net.Addr { return c.addr }

func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline, c.writeDeadline = t, t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// timeoutError реализует net.Error
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
