package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

// Memory is an in-process Network built on net.Pipe. Ports are only visible to
// callers sharing the same *Memory value.
type Memory struct {
	mu    sync.Mutex
	next  int
	ports map[string]*memPort
}

func NewMemory() *Memory { return &Memory{ports: map[string]*memPort{}} }

func (*Memory) Name() string { return "memory" }

func (m *Memory) Listen(ctx context.Context) (Port, error) {
	m.mu.Lock()
	m.next++
	p := &memPort{
		net:    m,
		addr:   fmt.Sprintf("mem-%d", m.next),
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
	m.ports[p.addr] = p
	m.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Close()
		case <-p.closed:
		}
	}()
	return p, nil
}

func (m *Memory) Dial(ctx context.Context, addr string) (Stream, error) {
	m.mu.Lock()
	p := m.ports[addr]
	m.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("memory %s: %w", addr, ErrUnreachable)
	}
	client, server := net.Pipe()
	select {
	case p.conns <- server:
		return client, nil
	case <-p.closed:
	case <-ctx.Done():
		_ = client.Close()
		_ = server.Close()
		return nil, ctx.Err()
	}
	_ = client.Close()
	_ = server.Close()
	return nil, fmt.Errorf("memory %s: %w", addr, ErrUnreachable)
}

type memPort struct {
	net    *Memory
	addr   string
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (p *memPort) Accept() (Stream, error) {
	select {
	case c := <-p.conns:
		return c, nil
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

func (p *memPort) Addr() string { return p.addr }

func (p *memPort) Close() error {
	p.once.Do(func() {
		p.net.mu.Lock()
		delete(p.net.ports, p.addr)
		p.net.mu.Unlock()
		close(p.closed)
	})
	return nil
}
