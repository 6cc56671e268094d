package ipc

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/ipc/transport"
)

const macSize = 16

const reasonGone = "gone"

// Config tunes a Broker.
type Config struct {
	MaxListeners     int
	MaxFrame         int
	HandshakeTimeout time.Duration
	// ReplyTimeout bounds SendAwaitingReply when the caller's context has no
	// deadline. Zero means wait indefinitely.
	ReplyTimeout time.Duration
	// Reconnect lets an Interrupted client connection re-open its endpoint on
	// the next send.
	Reconnect bool
}

func DefaultConfig() Config {
	return Config{
		MaxListeners:     64,
		MaxFrame:         transport.DefaultMaxFrame,
		HandshakeTimeout: 5 * time.Second,
		Reconnect:        true,
	}
}

type Option func(*Broker)

// WithNetwork registers or replaces a network under its Name.
func WithNetwork(n transport.Network) Option {
	return func(b *Broker) { b.networks[n.Name()] = n }
}

// WithPID overrides the process id announced in handshakes.
func WithPID(pid int64) Option {
	return func(b *Broker) { b.pid = pid }
}

// Broker owns the ports, listeners and connections of one process. Endpoint
// tokens are bound to the Broker that minted them through a keyed MAC.
type Broker struct {
	cfg     Config
	log     *zap.Logger
	key     [32]byte
	pid     int64
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	networks  map[string]transport.Network
	ports     map[string]transport.Port
	listeners map[string]*Listener
	conns     map[string]*Conn
}

// New creates a Broker. The in-process "memory" network is always available;
// others are added with WithNetwork.
func New(cfg Config, log *zap.Logger, opts ...Option) (*Broker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxListeners <= 0 {
		cfg.MaxListeners = def.MaxListeners
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = def.MaxFrame
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:       cfg,
		log:       log.Named("ipc"),
		pid:       int64(os.Getpid()),
		metrics:   NewMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		networks:  map[string]transport.Network{},
		ports:     map[string]transport.Port{},
		listeners: map[string]*Listener{},
		conns:     map[string]*Conn{},
	}
	if _, err := rand.Read(b.key[:]); err != nil {
		cancel()
		return nil, fmt.Errorf("broker key: %w", err)
	}
	WithNetwork(transport.NewMemory())(b)
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

func (b *Broker) Config() Config { return b.cfg }

// PID is the process id this broker announces to peers.
func (b *Broker) PID() int64 { return b.pid }

// Networks lists the registered network names.
func (b *Broker) Networks() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.networks))
	for n := range b.networks {
		out = append(out, n)
	}
	return out
}

func (b *Broker) mac(id string) []byte {
	h, err := blake3.NewKeyed(b.key[:])
	if err != nil {
		// only fails for keys that are not 32 bytes
		panic(err)
	}
	_, _ = h.Write([]byte(id))
	return h.Sum(nil)[:macSize]
}

// CreateListener allocates a new Listener on the named network.
func (b *Broker) CreateListener(network string) (*Listener, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: broker closed", ErrInvalidState)
	}
	if len(b.listeners) >= b.cfg.MaxListeners {
		return nil, fmt.Errorf("%w: listener limit %d reached", ErrResourceExhausted, b.cfg.MaxListeners)
	}
	n, ok := b.networks[network]
	if !ok {
		return nil, fmt.Errorf("%w: unknown network %q", ErrResourceExhausted, network)
	}
	port, ok := b.ports[network]
	if !ok {
		var err error
		port, err = n.Listen(b.ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: listen %s: %v", ErrResourceExhausted, network, err)
		}
		b.ports[network] = port
		b.log.Info("port opened", zap.String("network", network), zap.String("addr", port.Addr()))
		go b.acceptLoop(network, port)
	}

	id := newListenerID()
	l := &Listener{
		id:      id,
		network: network,
		addr:    port.Addr(),
		mac:     b.mac(id),
		b:       b,
		log:     b.log.Named("listener").With(zap.String("listener", id)),
		state:   StateCreated,
		done:    make(chan struct{}),
	}
	b.listeners[id] = l
	b.metrics.listeners.Add(1)
	return l, nil
}

func newListenerID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%x", buf)
}

func (b *Broker) acceptLoop(network string, port transport.Port) {
	for {
		s, err := port.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && b.ctx.Err() == nil {
				b.log.Warn("accept failed", zap.String("network", network), zap.Error(err))
			}
			return
		}
		go b.handshake(s)
	}
}

// handshake runs the server side of the hello/welcome exchange.
func (b *Broker) handshake(s transport.Stream) {
	fr := transport.NewFramer(s, b.cfg.MaxFrame)
	transport.SetDeadline(s, time.Now().Add(b.cfg.HandshakeTimeout))
	f, err := fr.ReadFrame()
	if err != nil || f.Kind != transport.FrameHello {
		b.metrics.handshakeFailures.Add(1)
		b.log.Debug("handshake failed", zap.Error(err), zap.Stringer("kind", f.Kind))
		_ = fr.Close()
		return
	}

	l := b.lookupListener(f.Listener)
	if l == nil || subtle.ConstantTimeCompare(f.MAC, b.mac(f.Listener)) != 1 || l.State() == StateInvalid {
		b.metrics.handshakeFailures.Add(1)
		_ = fr.WriteFrame(transport.Frame{Kind: transport.FrameReject, Reason: reasonGone})
		_ = fr.Close()
		return
	}
	if err := fr.WriteFrame(transport.Frame{Kind: transport.FrameWelcome, PID: b.pid}); err != nil {
		b.metrics.handshakeFailures.Add(1)
		_ = fr.Close()
		return
	}
	transport.SetDeadline(s, time.Time{})

	c := newConn(b, fr, f.PID, true, Endpoint{})
	if !b.trackConn(c) {
		c.Cancel()
		return
	}
	b.metrics.accepted.Add(1)
	c.log.Debug("accepted connection", zap.String("listener", l.id), zap.Int64("peer_pid", f.PID))
	if !l.offer(c) {
		c.Cancel()
	}
}

// OpenFromToken connects to the listener named by ep. The returned Conn is in
// StateCreated.
func (b *Broker) OpenFromToken(ctx context.Context, ep Endpoint) (*Conn, error) {
	if ep.IsZero() {
		return nil, fmt.Errorf("%w: empty endpoint", ErrBadEndpoint)
	}
	fr, pid, err := b.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	c := newConn(b, fr, pid, false, ep)
	if !b.trackConn(c) {
		c.Cancel()
		return nil, fmt.Errorf("%w: broker closed", ErrInvalidState)
	}
	b.metrics.opened.Add(1)
	c.log.Debug("opened connection", zap.String("listener", ep.ID), zap.Int64("peer_pid", pid))
	return c, nil
}

// dial runs the client side of the handshake.
func (b *Broker) dial(ctx context.Context, ep Endpoint) (*transport.Framer, int64, error) {
	b.mu.Lock()
	n, ok := b.networks[ep.Network]
	b.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown network %q", ErrTransport, ep.Network)
	}

	hctx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()
	s, err := n.Dial(hctx, ep.Address)
	if err != nil {
		if errors.Is(err, transport.ErrUnreachable) {
			return nil, 0, fmt.Errorf("%w: %v", ErrEndpointGone, err)
		}
		return nil, 0, fmt.Errorf("%w: dial: %v", ErrTransport, err)
	}
	fr := transport.NewFramer(s, b.cfg.MaxFrame)
	deadline, _ := hctx.Deadline()
	transport.SetDeadline(s, deadline)

	if err := fr.WriteFrame(transport.Frame{Kind: transport.FrameHello, Listener: ep.ID, MAC: ep.MAC, PID: b.pid}); err != nil {
		_ = fr.Close()
		return nil, 0, fmt.Errorf("%w: hello: %v", ErrTransport, err)
	}
	f, err := fr.ReadFrame()
	if err != nil {
		_ = fr.Close()
		return nil, 0, fmt.Errorf("%w: handshake: %v", ErrTransport, err)
	}
	switch f.Kind {
	case transport.FrameWelcome:
	case transport.FrameReject:
		_ = fr.Close()
		return nil, 0, fmt.Errorf("%w: %s", ErrEndpointGone, f.Reason)
	default:
		_ = fr.Close()
		return nil, 0, fmt.Errorf("%w: unexpected %s frame in handshake", ErrTransport, f.Kind)
	}
	transport.SetDeadline(s, time.Time{})
	return fr, f.PID, nil
}

func (b *Broker) lookupListener(id string) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listeners[id]
}

func (b *Broker) forgetListener(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[l.id]; ok {
		delete(b.listeners, l.id)
		b.metrics.listeners.Add(-1)
	}
}

func (b *Broker) trackConn(c *Conn) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns[c.id] = c
	b.metrics.conns.Add(1)
	return true
}

func (b *Broker) forgetConn(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.conns[c.id]; ok {
		delete(b.conns, c.id)
		b.metrics.conns.Add(-1)
	}
}

func (b *Broker) snapshotConns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// ActiveConns counts connections that are not yet Invalid.
func (b *Broker) ActiveConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// NotifyTerminationImminent delivers EventTerminationImminent to every Active
// connection.
func (b *Broker) NotifyTerminationImminent() {
	for _, c := range b.snapshotConns() {
		c.notify(EventTerminationImminent)
	}
}

func (b *Broker) Stats() MetricsSnapshot { return b.metrics.Snapshot() }

// Close cancels every listener and connection still owned by the broker and
// releases its ports.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := make([]*Listener, 0, len(b.listeners))
	for _, l := range b.listeners {
		listeners = append(listeners, l)
	}
	ports := b.ports
	b.ports = map[string]transport.Port{}
	b.mu.Unlock()

	for _, l := range listeners {
		l.Cancel()
	}
	for _, c := range b.snapshotConns() {
		c.Cancel()
	}
	var err error
	for name, p := range ports {
		if cerr := p.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close %s port: %w", name, cerr))
		}
	}
	b.cancel()
	return err
}
