package ipc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/ipc/transport"
	"github.com/mithrel/conduit/pkg/api"
)

func newTestBroker(t *testing.T, cfg Config, opts ...Option) *Broker {
	t.Helper()
	b, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// echoService answers every request with the request's fields plus
// "handled_by" set to the accepted connection id.
type echoService struct {
	mu       sync.Mutex
	accepted []*Conn
	events   chan Event
}

func newEchoService() *echoService {
	return &echoService{events: make(chan Event, 64)}
}

func (s *echoService) accept(c *Conn) {
	s.mu.Lock()
	s.accepted = append(s.accepted, c)
	s.mu.Unlock()
	c.SetEventHandler(s.handle)
	_ = c.Resume()
}

func (s *echoService) handle(c *Conn, ev Event) {
	if ev.Type != EventMessage {
		s.events <- ev
		return
	}
	b, err := CreateReply(ev.Message)
	if err != nil {
		return
	}
	for _, k := range ev.Message.Keys() {
		v, _ := ev.Message.Get(k)
		b.Set(k, v)
	}
	b.SetString("handled_by", c.ID())
	_ = c.Send(context.Background(), b.Build())
}

func (s *echoService) conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.accepted...)
}

func serve(t *testing.T, b *Broker, network string, svc *echoService) (*Listener, Endpoint) {
	t.Helper()
	l, err := b.CreateListener(network)
	require.NoError(t, err)
	l.SetAcceptHandler(svc.accept)
	require.NoError(t, l.Resume())
	ep, err := l.Endpoint()
	require.NoError(t, err)
	return l, ep
}

func openResumed(t *testing.T, b *Broker, ep Endpoint, h Handler) *Conn {
	t.Helper()
	c, err := b.OpenFromToken(context.Background(), ep)
	require.NoError(t, err)
	c.SetEventHandler(h)
	require.NoError(t, c.Resume())
	t.Cleanup(c.Cancel)
	return c
}

func collect(ch chan Event) Handler {
	return func(_ *Conn, ev Event) { ch <- ev }
}

func waitEvent(t *testing.T, ch chan Event, want EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestRequestReply(t *testing.T) {
	b := newTestBroker(t, DefaultConfig(), WithPID(4321))
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)

	c := openResumed(t, b, ep, nil)
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, int64(4321), c.PeerPID())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := c.SendAwaitingReply(ctx, api.NewBuilder().SetString("type", "ping").Build())
	require.NoError(t, err)
	typ, _ := reply.GetString("type")
	assert.Equal(t, "ping", typ)
	assert.True(t, reply.Correlation().IsZero(), "replies seen by the caller are not requests")

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Opened)
	assert.Equal(t, int64(1), stats.Accepted)
}

func TestConcurrentRequestsGetTheirOwnReply(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)
	c := openResumed(t, b, ep, nil)

	const n = 32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply, err := c.SendAwaitingReply(ctx, api.NewBuilder().SetInt64("n", int64(i)).Build())
			if err != nil {
				errs <- err
				return
			}
			if got, _ := reply.GetInt64("n"); got != int64(i) {
				errs <- fmt.Errorf("call %d got reply for %d", i, got)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSendBeforeResume(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	_, ep := serve(t, b, "memory", newEchoService())

	c, err := b.OpenFromToken(context.Background(), ep)
	require.NoError(t, err)
	defer c.Cancel()
	assert.Equal(t, StateCreated, c.State())

	err = c.Send(context.Background(), api.NewBuilder().Build())
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = c.SendAwaitingReply(context.Background(), api.NewBuilder().Build())
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, c.Resume())
	assert.ErrorIs(t, c.Resume(), ErrInvalidState)
}

func TestCancelResolvesOutstandingCall(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	// server never replies
	l.SetAcceptHandler(func(c *Conn) {
		c.SetEventHandler(func(*Conn, Event) {})
		_ = c.Resume()
	})
	require.NoError(t, l.Resume())
	ep, err := l.Endpoint()
	require.NoError(t, err)

	events := make(chan Event, 8)
	c := openResumed(t, b, ep, collect(events))

	done := make(chan error, 1)
	go func() {
		_, err := c.SendAwaitingReply(context.Background(), api.NewBuilder().SetString("type", "slow").Build())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	c.Cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionInvalid)
	case <-time.After(2 * time.Second):
		t.Fatal("outstanding call not resolved after cancel")
	}
	waitEvent(t, events, EventInvalid)
	assert.Equal(t, StateInvalid, c.State())

	// cancel is idempotent and sends fail afterwards
	c.Cancel()
	assert.ErrorIs(t, c.Send(context.Background(), api.NewBuilder().Build()), ErrConnectionInvalid)
}

// Calls racing a Cancel either get their reply or ErrConnectionInvalid, even
// when the request frame is still being written.
func TestCancelRacingCalls(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	_, ep := serve(t, b, "memory", newEchoService())

	const conns, calls = 50, 4
	errs := make(chan error, conns*calls)
	var wg sync.WaitGroup
	for i := 0; i < conns; i++ {
		c := openResumed(t, b, ep, func(*Conn, Event) {})
		for j := 0; j < calls; j++ {
			j := j
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := c.SendAwaitingReply(context.Background(), api.NewBuilder().SetInt64("n", int64(j)).Build())
				errs <- err
			}()
		}
		c.Cancel()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("calls did not resolve after cancel")
	}
	close(errs)
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrConnectionInvalid)
		}
	}
}

func TestInvalidDeliveredOnce(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	_, ep := serve(t, b, "memory", newEchoService())

	var mu sync.Mutex
	count := 0
	c := openResumed(t, b, ep, func(_ *Conn, ev Event) {
		if ev.Type == EventInvalid {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})
	c.Cancel()
	c.Cancel()
	<-c.Done()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestOpenAfterListenerCancel(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, ep := serve(t, b, "memory", newEchoService())
	l.Cancel()

	_, err := b.OpenFromToken(context.Background(), ep)
	assert.ErrorIs(t, err, ErrEndpointGone)
	_, err = l.Endpoint()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestOpenWithForgedMAC(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	_, ep := serve(t, b, "memory", newEchoService())
	ep.MAC = make([]byte, len(ep.MAC))

	_, err := b.OpenFromToken(context.Background(), ep)
	assert.ErrorIs(t, err, ErrEndpointGone)
	assert.Equal(t, int64(1), b.Stats().HandshakeFailures)
}

func TestListenerCancelKeepsAcceptedConns(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	l, ep := serve(t, b, "memory", svc)
	c := openResumed(t, b, ep, nil)
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)
	l.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.SendAwaitingReply(ctx, api.NewBuilder().SetString("type", "ping").Build())
	require.NoError(t, err)
}

func TestReplyCorrelationRules(t *testing.T) {
	_, err := CreateReply(api.NewBuilder().SetString("type", "ping").Build())
	assert.ErrorIs(t, err, ErrNoMatchingRequest)

	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	results := make(chan error, 4)
	l.SetAcceptHandler(func(c *Conn) {
		c.SetEventHandler(func(c *Conn, ev Event) {
			if ev.Type != EventMessage {
				return
			}
			rb, err := CreateReply(ev.Message)
			if err != nil {
				results <- err
				return
			}
			reply := rb.SetString("response", "pong").Build()
			results <- c.Send(context.Background(), reply)
			results <- c.Send(context.Background(), reply)
		})
		_ = c.Resume()
	})
	require.NoError(t, l.Resume())
	ep, err := l.Endpoint()
	require.NoError(t, err)

	c := openResumed(t, b, ep, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := c.SendAwaitingReply(ctx, api.NewBuilder().SetString("type", "ping").Build())
	require.NoError(t, err)
	resp, _ := reply.GetString("response")
	assert.Equal(t, "pong", resp)

	require.NoError(t, <-results)
	assert.ErrorIs(t, <-results, ErrNoMatchingRequest)

	// a reply cannot be sent on a different connection
	foreign := api.NewBuilder().Correlate(api.Correlation{Conn: "other", Seq: 1}).Build()
	assert.ErrorIs(t, c.Send(ctx, foreign), ErrNoMatchingRequest)
}

func TestFireAndForgetIsNotARequest(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	got := make(chan *api.Message, 1)
	l.SetAcceptHandler(func(c *Conn) {
		c.SetEventHandler(func(_ *Conn, ev Event) {
			if ev.Type == EventMessage {
				got <- ev.Message
			}
		})
		_ = c.Resume()
	})
	require.NoError(t, l.Resume())
	ep, _ := l.Endpoint()

	c := openResumed(t, b, ep, nil)
	require.NoError(t, c.Send(context.Background(), api.NewBuilder().SetString("type", "note").Build()))
	select {
	case m := <-got:
		_, err := CreateReply(m)
		assert.ErrorIs(t, err, ErrNoMatchingRequest)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestAcceptHandlerReplacesItself(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)

	svc := newEchoService()
	first := make(chan struct{})
	l.SetAcceptHandler(func(c *Conn) {
		l.SetAcceptHandler(svc.accept)
		c.SetEventHandler(func(*Conn, Event) {})
		_ = c.Resume()
		close(first)
	})
	require.NoError(t, l.Resume())
	ep, err := l.Endpoint()
	require.NoError(t, err)

	openResumed(t, b, ep, func(*Conn, Event) {})
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("accept handler replacing itself deadlocked")
	}

	c := openResumed(t, b, ep, func(*Conn, Event) {})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.SendAwaitingReply(ctx, api.NewBuilder().SetString("type", "ping").Build())
	require.NoError(t, err)
	assert.True(t, reply.Has("handled_by"), "second conn served by the new handler")
}

func TestHandlerReplacementIsImmediate(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	serverConn := make(chan *Conn, 1)
	l.SetAcceptHandler(func(c *Conn) {
		c.SetEventHandler(func(*Conn, Event) {})
		_ = c.Resume()
		serverConn <- c
	})
	require.NoError(t, l.Resume())
	ep, _ := l.Endpoint()

	first := make(chan Event, 8)
	second := make(chan Event, 8)
	c := openResumed(t, b, ep, collect(first))
	sc := <-serverConn

	ctx := context.Background()
	require.NoError(t, sc.Send(ctx, api.NewBuilder().SetInt64("n", 1).Build()))
	ev := waitEvent(t, first, EventMessage)
	n, _ := ev.Message.GetInt64("n")
	assert.Equal(t, int64(1), n)

	c.SetEventHandler(collect(second))
	require.NoError(t, sc.Send(ctx, api.NewBuilder().SetInt64("n", 2).Build()))
	ev = waitEvent(t, second, EventMessage)
	n, _ = ev.Message.GetInt64("n")
	assert.Equal(t, int64(2), n)
	assert.Empty(t, first)
}

func TestPeerCancelInvalidatesOtherSide(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)
	c := openResumed(t, b, ep, nil)
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)

	c.Cancel()
	waitEvent(t, svc.events, EventInvalid)
	assert.Equal(t, StateInvalid, svc.conns()[0].State())
}

// dropStream closes the underlying stream without a goodbye, as a crashed
// peer would.
func dropStream(c *Conn) {
	c.mu.Lock()
	fr := c.fr
	c.mu.Unlock()
	_ = fr.Close()
}

func TestInterruptedClientReconnects(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)

	events := make(chan Event, 8)
	c := openResumed(t, b, ep, collect(events))
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)

	dropStream(svc.conns()[0])
	waitEvent(t, events, EventInterrupted)
	assert.Equal(t, StateInterrupted, c.State())
	// the accepted side cannot come back
	waitEvent(t, svc.events, EventInvalid)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := c.SendAwaitingReply(ctx, api.NewBuilder().SetString("type", "ping").Build())
	require.NoError(t, err)
	handledBy, _ := reply.GetString("handled_by")
	require.Len(t, svc.conns(), 2)
	assert.Equal(t, svc.conns()[1].ID(), handledBy)
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, int64(1), b.Stats().Reconnects)
}

func TestInterruptedClientWithListenerGone(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	l, ep := serve(t, b, "memory", svc)

	events := make(chan Event, 8)
	c := openResumed(t, b, ep, collect(events))
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)
	l.Cancel()
	dropStream(svc.conns()[0])
	waitEvent(t, events, EventInterrupted)

	_, err := c.SendAwaitingReply(context.Background(), api.NewBuilder().Build())
	assert.ErrorIs(t, err, ErrConnectionInvalid)
	assert.ErrorIs(t, err, ErrEndpointGone)
	waitEvent(t, events, EventInvalid)
}

func TestInterruptWithoutReconnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Reconnect = false
	b := newTestBroker(t, cfg)
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)

	events := make(chan Event, 8)
	c := openResumed(t, b, ep, collect(events))
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)
	dropStream(svc.conns()[0])

	waitEvent(t, events, EventInterrupted)
	waitEvent(t, events, EventInvalid)
	_, err := c.SendAwaitingReply(context.Background(), api.NewBuilder().Build())
	assert.ErrorIs(t, err, ErrConnectionInvalid)
}

func TestPendingCallFailsOnInterrupt(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	serverConn := make(chan *Conn, 1)
	l.SetAcceptHandler(func(c *Conn) {
		c.SetEventHandler(func(*Conn, Event) {})
		_ = c.Resume()
		serverConn <- c
	})
	require.NoError(t, l.Resume())
	ep, _ := l.Endpoint()
	c := openResumed(t, b, ep, nil)
	sc := <-serverConn

	done := make(chan error, 1)
	go func() {
		_, err := c.SendAwaitingReply(context.Background(), api.NewBuilder().Build())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	dropStream(sc)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.ErrorIs(t, err, ErrConnectionInvalid)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not resolved")
	}
}

func TestReplyTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplyTimeout = 100 * time.Millisecond
	b := newTestBroker(t, cfg)
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	l.SetAcceptHandler(func(c *Conn) {
		c.SetEventHandler(func(*Conn, Event) {})
		_ = c.Resume()
	})
	require.NoError(t, l.Resume())
	ep, _ := l.Endpoint()
	c := openResumed(t, b, ep, nil)

	_, err = c.SendAwaitingReply(context.Background(), api.NewBuilder().Build())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateActive, c.State())
}

func TestListenerBacklogBeforeResume(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	ep, err := l.Endpoint()
	require.NoError(t, err)

	c, err := b.OpenFromToken(context.Background(), ep)
	require.NoError(t, err)
	defer c.Cancel()

	svc := newEchoService()
	l.SetAcceptHandler(svc.accept)
	assert.Empty(t, svc.conns())
	require.NoError(t, l.Resume())
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateListening, l.State())
}

func TestListenerLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxListeners = 1
	b := newTestBroker(t, cfg)
	_, err := b.CreateListener("memory")
	require.NoError(t, err)
	_, err = b.CreateListener("memory")
	assert.ErrorIs(t, err, ErrResourceExhausted)
	_, err = b.CreateListener("carrier-pigeon")
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestTerminationImminent(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)
	_ = openResumed(t, b, ep, nil)
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)

	b.NotifyTerminationImminent()
	waitEvent(t, svc.events, EventTerminationImminent)
	assert.Equal(t, StateActive, svc.conns()[0].State())
}

func TestHandlerPanicDoesNotKillConn(t *testing.T) {
	b := newTestBroker(t, DefaultConfig())
	svc := newEchoService()
	_, ep := serve(t, b, "memory", svc)
	calls := make(chan struct{}, 4)
	c := openResumed(t, b, ep, func(*Conn, Event) {
		calls <- struct{}{}
		panic("boom")
	})
	b.NotifyTerminationImminent()
	<-calls

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.SendAwaitingReply(ctx, api.NewBuilder().Build())
	require.NoError(t, err)
}

func TestBrokerCloseCancelsEverything(t *testing.T) {
	b, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	svc := newEchoService()
	l, ep := serve(t, b, "memory", svc)
	events := make(chan Event, 8)
	c := openResumed(t, b, ep, collect(events))

	require.NoError(t, b.Close())
	waitEvent(t, events, EventInvalid)
	assert.Equal(t, StateInvalid, c.State())
	assert.Equal(t, StateInvalid, l.State())
	require.Eventually(t, func() bool { return b.ActiveConns() == 0 }, 2*time.Second, 10*time.Millisecond)
	_, err = b.CreateListener("memory")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUnixAcrossBrokers(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	server := newTestBroker(t, DefaultConfig(), WithNetwork(transport.Unix{Dir: dir}), WithPID(100))
	client := newTestBroker(t, DefaultConfig(), WithNetwork(transport.Unix{Dir: dir}), WithPID(200))
	svc := newEchoService()
	l, ep := serve(t, server, "unix", svc)

	text, err := ep.MarshalText()
	require.NoError(t, err)
	parsed, err := ParseEndpoint(string(text))
	require.NoError(t, err)

	c := openResumed(t, client, parsed, nil)
	assert.Equal(t, int64(100), c.PeerPID())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = c.SendAwaitingReply(ctx, api.NewBuilder().SetString("type", "ping").Build())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(svc.conns()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(200), svc.conns()[0].PeerPID())

	l.Cancel()
	_, err = client.OpenFromToken(ctx, parsed)
	assert.ErrorIs(t, err, ErrEndpointGone)

	require.NoError(t, server.Close())
	_, err = client.OpenFromToken(ctx, parsed)
	assert.ErrorIs(t, err, ErrEndpointGone)
}

func TestSharedMemoryNetwork(t *testing.T) {
	mem := transport.NewMemory()
	server := newTestBroker(t, DefaultConfig(), WithNetwork(mem))
	client := newTestBroker(t, DefaultConfig(), WithNetwork(mem))
	_, ep := serve(t, server, "memory", newEchoService())

	c := openResumed(t, client, ep, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.SendAwaitingReply(ctx, api.NewBuilder().Build())
	require.NoError(t, err)

	// a broker with its own memory network cannot see the port
	other := newTestBroker(t, DefaultConfig())
	_, err = other.OpenFromToken(ctx, ep)
	assert.True(t, errors.Is(err, ErrEndpointGone), "got %v", err)
}

func TestEndpointText(t *testing.T) {
	ep := Endpoint{Network: "unix", Address: "/run/x.sock", ID: "abc", MAC: []byte{9, 8, 7}}
	text := ep.String()
	assert.Contains(t, text, endpointPrefix)
	got, err := ParseEndpoint(text + "\n")
	require.NoError(t, err)
	assert.Equal(t, ep, got)

	for _, bad := range []string{"", "conduit1.", "conduit1.!!!", "other.AAAA"} {
		_, err := ParseEndpoint(bad)
		assert.ErrorIs(t, err, ErrBadEndpoint, bad)
	}
}

func TestEventQueueFinishDropsMessages(t *testing.T) {
	q := newEventQueue()
	q.push(Event{Type: EventMessage})
	q.push(Event{Type: EventInterrupted})
	q.push(Event{Type: EventMessage})
	q.finish(Event{Type: EventInvalid}, true)
	assert.False(t, q.push(Event{Type: EventMessage}))

	var got []EventType
	for {
		ev, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, ev.Type)
	}
	assert.Equal(t, []EventType{EventInterrupted, EventInvalid}, got)
}
