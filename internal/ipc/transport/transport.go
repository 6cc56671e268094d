package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnreachable reports that nothing is listening at a dialled address any
// more (socket removed, connection refused, handshake never answered).
var ErrUnreachable = errors.New("address unreachable")

// Stream is one bidirectional byte stream between two processes.
type Stream = io.ReadWriteCloser

// Network is a substrate capable of producing Streams. Implementations must be
// safe for concurrent use.
type Network interface {
	// Name is the identifier stored in endpoints ("memory", "unix", "quic").
	Name() string
	// Listen allocates a new Port. The port is closed when ctx is done or
	// Close is called, whichever happens first.
	Listen(ctx context.Context) (Port, error)
	// Dial connects to a Port address previously returned by Addr.
	Dial(ctx context.Context, addr string) (Stream, error)
}

// Port accepts inbound Streams.
type Port interface {
	Accept() (Stream, error)
	Addr() string
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// SetDeadline applies t when the stream supports deadlines. A zero t clears
// the deadline.
func SetDeadline(s Stream, t time.Time) {
	if d, ok := s.(deadliner); ok {
		_ = d.SetDeadline(t)
	}
}
