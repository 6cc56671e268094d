package quicnet

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/multierr"

	"github.com/mithrel/conduit/internal/ipc/transport"
)

const alpn = "conduit/1"

// Network carries conduit streams over QUIC. Every dialled stream gets its own
// QUIC connection with a single bidirectional stream on it.
type Network struct {
	// Addr is the UDP address ports bind to; port 0 picks a free port.
	Addr string
	// ServerTLS is called once per Listen.
	ServerTLS func() (*tls.Config, error)
	// ClientTLS is used when dialling; nil means InsecureSkipVerify.
	ClientTLS        *tls.Config
	HandshakeTimeout time.Duration
}

func (*Network) Name() string { return "quic" }

func (n *Network) quicConfig() *quic.Config {
	hs := n.HandshakeTimeout
	if hs <= 0 {
		hs = 5 * time.Second
	}
	return &quic.Config{
		HandshakeIdleTimeout: hs,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
}

func (n *Network) Listen(ctx context.Context) (transport.Port, error) {
	if n.ServerTLS == nil {
		return nil, ErrMissingTLS
	}
	tlsConf, err := n.ServerTLS()
	if err != nil {
		return nil, fmt.Errorf("quic tls: %w", err)
	}
	tlsConf = withALPN(tlsConf)
	addr := n.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	l, err := quic.ListenAddr(addr, tlsConf, n.quicConfig())
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &port{l: l, cancel: cancel, streams: make(chan transport.Stream), done: pctx.Done()}
	go p.acceptLoop(pctx)
	go func() {
		<-pctx.Done()
		_ = p.Close()
	}()
	return p, nil
}

func (n *Network) Dial(ctx context.Context, addr string) (transport.Stream, error) {
	tlsConf := n.ClientTLS
	if tlsConf == nil {
		tlsConf = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed local endpoints
	}
	tlsConf = withALPN(tlsConf.Clone())
	conn, err := quic.DialAddr(ctx, addr, tlsConf, n.quicConfig())
	if err != nil {
		if unreachable(err) {
			return nil, fmt.Errorf("quic %s: %w", addr, transport.ErrUnreachable)
		}
		return nil, err
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream")
		return nil, err
	}
	return &stream{Stream: s, conn: conn}, nil
}

func unreachable(err error) bool {
	var hs *quic.HandshakeTimeoutError
	var idle *quic.IdleTimeoutError
	return errors.As(err, &hs) || errors.As(err, &idle) || errors.Is(err, syscall.ECONNREFUSED)
}

type port struct {
	l       *quic.Listener
	cancel  context.CancelFunc
	streams chan transport.Stream
	done    <-chan struct{}
	once    sync.Once
	err     error
}

func (p *port) acceptLoop(ctx context.Context) {
	for {
		conn, err := p.l.Accept(ctx)
		if err != nil {
			return
		}
		go p.handleConn(ctx, conn)
	}
}

func (p *port) handleConn(ctx context.Context, conn quic.Connection) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	select {
	case p.streams <- &stream{Stream: s, conn: conn}:
	case <-ctx.Done():
		_ = conn.CloseWithError(0, "shutdown")
	}
}

func (p *port) Accept() (transport.Stream, error) {
	select {
	case s := <-p.streams:
		return s, nil
	case <-p.done:
		return nil, net.ErrClosed
	}
}

func (p *port) Addr() string { return p.l.Addr().String() }

func (p *port) Close() error {
	p.once.Do(func() {
		p.cancel()
		p.err = multierr.Append(p.err, p.l.Close())
	})
	return p.err
}

// stream owns its QUIC connection. Close finishes the send side so buffered
// frames still reach the peer, then drops the connection shortly after.
type stream struct {
	quic.Stream
	conn quic.Connection
}

func (s *stream) Close() error {
	s.Stream.CancelRead(0)
	err := s.Stream.Close()
	go func() {
		t := time.NewTimer(closeLinger)
		defer t.Stop()
		select {
		case <-s.conn.Context().Done():
		case <-t.C:
		}
		_ = s.conn.CloseWithError(0, "closed")
	}()
	return err
}

const closeLinger = 500 * time.Millisecond

func withALPN(c *tls.Config) *tls.Config {
	for _, p := range c.NextProtos {
		if p == alpn {
			return c
		}
	}
	c.NextProtos = append(c.NextProtos, alpn)
	return c
}
