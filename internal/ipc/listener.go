package ipc

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener is an anonymous connection point. It never carries messages
// itself; every successful open of its Endpoint yields a new accepted Conn.
type Listener struct {
	id      string
	network string
	addr    string
	mac     []byte
	b       *Broker
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	accept  func(*Conn)
	backlog []*Conn
	done    chan struct{}
	// set while one goroutine drains the backlog; handler calls never overlap
	flushing bool
}

func (l *Listener) ID() string      { return l.id }
func (l *Listener) Network() string { return l.network }

func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed once the listener is cancelled.
func (l *Listener) Done() <-chan struct{} { return l.done }

// SetAcceptHandler installs the function receiving new connections. The
// handler must set an event handler on the Conn and resume it.
func (l *Listener) SetAcceptHandler(h func(*Conn)) {
	l.mu.Lock()
	l.accept = h
	l.mu.Unlock()
	l.flush()
}

// Resume starts handing connections to the accept handler. Connections that
// arrived earlier are delivered first.
func (l *Listener) Resume() error {
	l.mu.Lock()
	if l.state != StateCreated {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: listener is %s", ErrInvalidState, st)
	}
	l.state = StateListening
	l.mu.Unlock()
	l.log.Debug("listener resumed")
	l.flush()
	return nil
}

// Endpoint mints a token that peers can use to reach this listener.
func (l *Listener) Endpoint() (Endpoint, error) {
	if l.State() == StateInvalid {
		return Endpoint{}, fmt.Errorf("%w: listener cancelled", ErrInvalidState)
	}
	return Endpoint{
		Network: l.network,
		Address: l.addr,
		ID:      l.id,
		MAC:     append([]byte(nil), l.mac...),
	}, nil
}

// Cancel invalidates the listener and every endpoint minted from it.
// Connections already handed to the accept handler are unaffected;
// connections still waiting in the backlog are cancelled.
func (l *Listener) Cancel() {
	l.mu.Lock()
	if l.state == StateInvalid {
		l.mu.Unlock()
		return
	}
	l.state = StateInvalid
	backlog := l.backlog
	l.backlog = nil
	l.mu.Unlock()

	for _, c := range backlog {
		c.Cancel()
	}
	close(l.done)
	l.b.forgetListener(l)
	l.log.Debug("listener cancelled")
}

// offer hands c to the accept handler or queues it. It reports false if the
// listener is already cancelled.
func (l *Listener) offer(c *Conn) bool {
	l.mu.Lock()
	if l.state == StateInvalid {
		l.mu.Unlock()
		return false
	}
	l.backlog = append(l.backlog, c)
	l.mu.Unlock()
	l.flush()
	return true
}

func (l *Listener) flush() {
	l.mu.Lock()
	if l.flushing {
		// the active flusher picks up whatever was queued
		l.mu.Unlock()
		return
	}
	l.flushing = true
	for l.state == StateListening && l.accept != nil && len(l.backlog) > 0 {
		c := l.backlog[0]
		l.backlog = l.backlog[1:]
		h := l.accept
		l.mu.Unlock()
		l.invoke(h, c)
		l.mu.Lock()
	}
	l.flushing = false
	l.mu.Unlock()
}

func (l *Listener) invoke(h func(*Conn), c *Conn) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("accept handler panicked", zap.Any("panic", r))
			c.Cancel()
		}
	}()
	h(c)
}
