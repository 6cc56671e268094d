package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/ipc/transport"
	"github.com/mithrel/conduit/pkg/api"
)

const goodbyeTimeout = time.Second

// reasonMalformed is carried by a reply frame when the request body could not
// be decoded by the receiver.
const reasonMalformed = "malformed"

// errCallInterrupted resolves calls whose stream dropped. To the waiter the
// connection is gone even if the Conn itself re-opens later.
var errCallInterrupted = fmt.Errorf("%w: %w: %w", ErrConnectionInvalid, ErrTransport, ErrInterrupted)

type result struct {
	msg *api.Message
	err error
}

// Conn is one end of a bidirectional message channel. Client connections are
// obtained from Broker.OpenFromToken, server connections are handed to a
// Listener's accept handler. Both start in StateCreated and must be resumed.
type Conn struct {
	id       string
	b        *Broker
	log      *zap.Logger
	accepted bool
	endpoint Endpoint

	mu       sync.Mutex
	state    State
	resumed  bool
	fr       *transport.Framer
	gen      uint64
	peerPID  int64
	handler  Handler
	nextSeq  uint64
	pending  map[uint64]chan result
	awaiting map[uint64]struct{}

	events *eventQueue
	done   chan struct{}
	dialMu sync.Mutex
}

func newConn(b *Broker, fr *transport.Framer, peerPID int64, accepted bool, ep Endpoint) *Conn {
	id := api.NewID()
	side := "client"
	if accepted {
		side = "accepted"
	}
	c := &Conn{
		id:       id,
		b:        b,
		log:      b.log.Named("conn").With(zap.String("conn", id), zap.String("side", side)),
		accepted: accepted,
		endpoint: ep,
		state:    StateCreated,
		fr:       fr,
		gen:      1,
		peerPID:  peerPID,
		pending:  map[uint64]chan result{},
		awaiting: map[uint64]struct{}{},
		events:   newEventQueue(),
		done:     make(chan struct{}),
	}
	go c.readLoop(fr, c.gen)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerPID is the process id the peer announced during the handshake. It is
// informational only.
func (c *Conn) PeerPID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPID
}

// Done is closed once the connection is Invalid.
func (c *Conn) Done() <-chan struct{} { return c.done }

// SetEventHandler replaces the handler. Events not yet dispatched go to the
// new handler.
func (c *Conn) SetEventHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Resume starts event delivery. It may be called once.
func (c *Conn) Resume() error {
	c.mu.Lock()
	if c.resumed {
		c.mu.Unlock()
		return fmt.Errorf("%w: already resumed", ErrInvalidState)
	}
	c.resumed = true
	if c.state == StateCreated {
		// the stream already exists, so Resumed is left immediately
		c.state = StateActive
	}
	c.mu.Unlock()
	go c.deliver()
	return nil
}

func (c *Conn) deliver() {
	for {
		ev, ok := c.events.pop()
		if !ok {
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			c.invoke(h, ev)
		}
		if ev.Type == EventInvalid {
			return
		}
	}
}

func (c *Conn) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", zap.Stringer("event", ev.Type), zap.Any("panic", r))
		}
	}()
	h(c, ev)
}

// Send transmits msg without waiting for an answer. A message built from
// CreateReply is delivered as the reply to its request; it can be sent once
// and only on the connection the request arrived on.
func (c *Conn) Send(ctx context.Context, msg *api.Message) error {
	if err := c.checkSendable(); err != nil {
		return err
	}
	f := transport.Frame{Kind: transport.FrameMessage, Body: api.EncodeMessage(msg)}
	corr := msg.Correlation()
	if !corr.IsZero() {
		if corr.Conn != c.id {
			return fmt.Errorf("%w: reply belongs to another connection", ErrNoMatchingRequest)
		}
		c.mu.Lock()
		_, ok := c.awaiting[corr.Seq]
		delete(c.awaiting, corr.Seq)
		c.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: request %d already answered or dropped", ErrNoMatchingRequest, corr.Seq)
		}
		f.Kind = transport.FrameReply
		f.ReplyTo = corr.Seq
	}
	fr, gen, err := c.writable(ctx)
	if err != nil {
		return err
	}
	if err := c.write(ctx, fr, gen, f); err != nil {
		return err
	}
	if f.Kind == transport.FrameReply {
		c.b.metrics.repliesSent.Add(1)
	} else {
		c.b.metrics.messagesSent.Add(1)
	}
	return nil
}

// SendAwaitingReply transmits msg as a request and blocks until the matching
// reply arrives, the connection fails, or ctx is done. Concurrent calls on one
// connection are independent.
func (c *Conn) SendAwaitingReply(ctx context.Context, msg *api.Message) (*api.Message, error) {
	if err := c.checkSendable(); err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && c.b.cfg.ReplyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.b.cfg.ReplyTimeout)
		defer cancel()
	}
	fr, gen, err := c.writable(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateActive {
		c.mu.Unlock()
		return nil, errCallInterrupted
	}
	c.nextSeq++
	seq := c.nextSeq
	ch := make(chan result, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	f := transport.Frame{Kind: transport.FrameRequest, Seq: seq, Body: api.EncodeMessage(msg)}
	if err := c.write(ctx, fr, gen, f); err != nil {
		c.dropPending(seq)
		// the failure may already have resolved this call
		select {
		case r := <-ch:
			return r.msg, r.err
		default:
		}
		return nil, err
	}
	c.b.metrics.messagesSent.Add(1)

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		c.dropPending(seq)
		select {
		case r := <-ch:
			return r.msg, r.err
		default:
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) checkSendable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateCreated, StateResumed:
		return fmt.Errorf("%w: connection not resumed", ErrInvalidState)
	case StateInvalid:
		return ErrConnectionInvalid
	}
	return nil
}

// writable returns the current stream, re-establishing it first if the
// connection is Interrupted.
func (c *Conn) writable(ctx context.Context) (*transport.Framer, uint64, error) {
	c.mu.Lock()
	switch c.state {
	case StateActive:
		fr, gen := c.fr, c.gen
		c.mu.Unlock()
		return fr, gen, nil
	case StateInterrupted:
		c.mu.Unlock()
		return c.reconnect(ctx)
	case StateInvalid:
		c.mu.Unlock()
		return nil, 0, ErrConnectionInvalid
	default:
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: connection not resumed", ErrInvalidState)
	}
}

func (c *Conn) reconnect(ctx context.Context) (*transport.Framer, uint64, error) {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case StateActive:
		fr, gen := c.fr, c.gen
		c.mu.Unlock()
		return fr, gen, nil
	case StateInvalid:
		c.mu.Unlock()
		return nil, 0, ErrConnectionInvalid
	}
	c.mu.Unlock()

	c.log.Debug("re-opening interrupted connection")
	fr, pid, err := c.b.dial(ctx, c.endpoint)
	if err != nil {
		if errors.Is(err, ErrEndpointGone) {
			c.invalidate(false, "endpoint gone")
			return nil, 0, fmt.Errorf("%w: %w", ErrConnectionInvalid, err)
		}
		return nil, 0, err
	}

	c.mu.Lock()
	if c.state != StateInterrupted {
		c.mu.Unlock()
		_ = fr.Close()
		return nil, 0, ErrConnectionInvalid
	}
	c.gen++
	gen := c.gen
	c.fr = fr
	c.peerPID = pid
	c.state = StateActive
	c.mu.Unlock()

	c.b.metrics.reconnects.Add(1)
	c.log.Info("connection re-established", zap.Int64("peer_pid", pid))
	go c.readLoop(fr, gen)
	return fr, gen, nil
}

func (c *Conn) write(ctx context.Context, fr *transport.Framer, gen uint64, f transport.Frame) error {
	deadline, _ := ctx.Deadline()
	if err := fr.WriteFrameBy(f, deadline); err != nil {
		if errors.Is(err, transport.ErrFrameTooLarge) {
			return fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		// A partially written frame leaves the stream unusable.
		c.streamFailed(gen, err)
		c.mu.Lock()
		st, cur := c.state, c.gen
		c.mu.Unlock()
		switch {
		case st == StateInvalid || cur != gen:
			return fmt.Errorf("%w: %w: %v", ErrConnectionInvalid, ErrTransport, err)
		case st == StateInterrupted:
			return fmt.Errorf("%w: %v", errCallInterrupted, err)
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (c *Conn) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Conn) resolve(seq uint64, r result) bool {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Conn) readLoop(fr *transport.Framer, gen uint64) {
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			c.streamFailed(gen, err)
			return
		}
		switch f.Kind {
		case transport.FrameMessage, transport.FrameRequest:
			msg, err := api.DecodeMessage(f.Body)
			if err != nil {
				c.log.Warn("dropping malformed message", zap.Error(err))
				if f.Kind == transport.FrameRequest {
					_ = fr.WriteFrame(transport.Frame{Kind: transport.FrameReply, ReplyTo: f.Seq, Reason: reasonMalformed})
				}
				continue
			}
			if f.Kind == transport.FrameRequest {
				c.mu.Lock()
				if c.gen == gen && c.awaiting != nil {
					c.awaiting[f.Seq] = struct{}{}
				}
				c.mu.Unlock()
				msg = msg.WithCorrelation(api.Correlation{Conn: c.id, Seq: f.Seq})
			}
			c.b.metrics.messagesRecv.Add(1)
			c.events.push(Event{Type: EventMessage, Message: msg})
		case transport.FrameReply:
			r := result{}
			if f.Reason == reasonMalformed {
				r.err = fmt.Errorf("%w: rejected by peer", ErrMalformedMessage)
			} else if r.msg, err = api.DecodeMessage(f.Body); err != nil {
				r.err = fmt.Errorf("%w: %v", ErrMalformedMessage, err)
			}
			c.b.metrics.repliesRecv.Add(1)
			if !c.resolve(f.ReplyTo, r) {
				c.log.Debug("discarding reply without pending request", zap.Uint64("reply_to", f.ReplyTo))
			}
		case transport.FrameGoodbye:
			c.invalidate(false, "peer closed")
			return
		default:
			c.log.Debug("ignoring unexpected frame", zap.Stringer("kind", f.Kind))
		}
	}
}

// streamFailed handles the loss of the stream of generation gen.
func (c *Conn) streamFailed(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateInvalid || c.state == StateInterrupted {
		c.mu.Unlock()
		return
	}
	created := c.state == StateCreated
	fr := c.fr
	c.fr = nil
	pending := c.pending
	c.pending = map[uint64]chan result{}
	c.awaiting = map[uint64]struct{}{}
	if !created {
		c.state = StateInterrupted
	}
	c.mu.Unlock()

	if fr != nil {
		_ = fr.Close()
	}
	if created {
		c.invalidate(false, "stream lost before resume")
		return
	}
	for _, ch := range pending {
		ch <- result{err: errCallInterrupted}
	}
	c.b.metrics.interruptions.Add(1)
	if errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) {
		c.log.Info("connection interrupted")
	} else {
		c.log.Warn("connection interrupted", zap.Error(cause))
	}
	c.events.push(Event{Type: EventInterrupted})
	if c.accepted || !c.b.cfg.Reconnect {
		c.invalidate(false, "cannot re-establish")
	}
}

// notify queues an out-of-band event for Active connections.
func (c *Conn) notify(t EventType) {
	c.mu.Lock()
	active := c.state == StateActive
	c.mu.Unlock()
	if active {
		c.events.push(Event{Type: t})
	}
}

// Cancel tears the connection down. It is safe to call more than once and
// from any goroutine, including the event handler.
func (c *Conn) Cancel() {
	c.mu.Lock()
	if c.state == StateInvalid {
		c.mu.Unlock()
		return
	}
	fr := c.fr
	c.mu.Unlock()
	if fr != nil {
		_ = fr.WriteFrameBy(transport.Frame{Kind: transport.FrameGoodbye}, time.Now().Add(goodbyeTimeout))
	}
	c.invalidate(true, "cancelled")
}

func (c *Conn) invalidate(drop bool, reason string) {
	c.mu.Lock()
	if c.state == StateInvalid {
		c.mu.Unlock()
		return
	}
	c.state = StateInvalid
	fr := c.fr
	c.fr = nil
	c.gen++
	pending := c.pending
	c.pending = nil
	c.awaiting = nil
	c.mu.Unlock()

	if fr != nil {
		_ = fr.Close()
	}
	for _, ch := range pending {
		ch <- result{err: ErrConnectionInvalid}
	}
	c.log.Debug("connection invalidated", zap.String("reason", reason))
	c.events.finish(Event{Type: EventInvalid}, drop)
	close(c.done)
	c.b.forgetConn(c)
}
