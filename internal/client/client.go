// Package client wraps an ipc connection with typed helpers for the
// reference message types.
package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/ipc"
	"github.com/mithrel/conduit/pkg/api"
)

// RemoteError is an "error" field carried by a reply.
type RemoteError struct {
	Type    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Info is the decoded reply to an info request.
type Info struct {
	PID    int64  `json:"pid"`
	PPID   int64  `json:"ppid"`
	Status string `json:"status"`
}

// Client is a resumed connection to a service endpoint.
type Client struct {
	conn *ipc.Conn
	log  *zap.Logger
}

// Dial opens and resumes a connection to ep. Interruptions and invalidation
// are logged; the connection reconnects on the next request when the broker
// allows it.
func Dial(ctx context.Context, b *ipc.Broker, ep ipc.Endpoint, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	c, err := b.OpenFromToken(ctx, ep)
	if err != nil {
		return nil, err
	}
	cl := &Client{conn: c, log: log.Named("client").With(zap.String("conn", c.ID()))}
	c.SetEventHandler(cl.handle)
	if err := c.Resume(); err != nil {
		c.Cancel()
		return nil, err
	}
	return cl, nil
}

func (cl *Client) handle(_ *ipc.Conn, ev ipc.Event) {
	switch ev.Type {
	case ipc.EventInterrupted:
		cl.log.Warn("connection interrupted")
	case ipc.EventInvalid:
		cl.log.Debug("connection invalidated")
	case ipc.EventTerminationImminent:
		cl.log.Info("peer is terminating")
	case ipc.EventMessage:
		cl.log.Debug("unsolicited message", zap.Stringer("message", ev.Message))
	}
}

// Conn exposes the underlying connection.
func (cl *Client) Conn() *ipc.Conn { return cl.conn }

// Close cancels the connection.
func (cl *Client) Close() { cl.conn.Cancel() }

// Request sends req and returns the raw reply.
func (cl *Client) Request(ctx context.Context, req *api.Message) (*api.Message, error) {
	return cl.conn.SendAwaitingReply(ctx, req)
}

// Call builds a request of the given type from fields, sends it and turns an
// "error" field in the reply into a *RemoteError.
func (cl *Client) Call(ctx context.Context, typ string, fields *api.Builder) (*api.Message, error) {
	b := api.NewBuilder()
	if fields != nil {
		b = api.From(fields.Build())
	}
	reply, err := cl.Request(ctx, b.SetString("type", typ).Build())
	if err != nil {
		return nil, err
	}
	if msg, ok := reply.GetString("error"); ok {
		return reply, &RemoteError{Type: typ, Message: msg}
	}
	return reply, nil
}

// Ping returns the "response" of a ping request.
func (cl *Client) Ping(ctx context.Context) (string, error) {
	reply, err := cl.Call(ctx, "ping", nil)
	if err != nil {
		return "", err
	}
	return field[string](reply, "response", (*api.Message).GetString)
}

// Echo asks the service to echo data back.
func (cl *Client) Echo(ctx context.Context, data string) (string, error) {
	reply, err := cl.Call(ctx, "echo", api.NewBuilder().SetString("data", data))
	if err != nil {
		return "", err
	}
	return field[string](reply, "response", (*api.Message).GetString)
}

// Add returns a+b as computed by the service.
func (cl *Client) Add(ctx context.Context, a, b int64) (int64, error) {
	reply, err := cl.Call(ctx, "add", api.NewBuilder().SetInt64("a", a).SetInt64("b", b))
	if err != nil {
		return 0, err
	}
	return field[int64](reply, "result", (*api.Message).GetInt64)
}

// Info describes the serving process.
func (cl *Client) Info(ctx context.Context) (Info, error) {
	reply, err := cl.Call(ctx, "info", nil)
	if err != nil {
		return Info{}, err
	}
	var out Info
	if out.PID, err = field[int64](reply, "pid", (*api.Message).GetInt64); err != nil {
		return Info{}, err
	}
	if out.PPID, err = field[int64](reply, "ppid", (*api.Message).GetInt64); err != nil {
		return Info{}, err
	}
	if out.Status, err = field[string](reply, "status", (*api.Message).GetString); err != nil {
		return Info{}, err
	}
	return out, nil
}

// ErrBadReply reports a reply missing an expected field.
var ErrBadReply = errors.New("unexpected reply")

func field[T any](m *api.Message, key string, get func(*api.Message, string) (T, bool)) (T, error) {
	v, ok := get(m, key)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: missing %q in %s", ErrBadReply, key, m)
	}
	return v, nil
}
