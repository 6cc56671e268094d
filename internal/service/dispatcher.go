// Package service routes inbound messages to typed handlers and implements the
// reference message types (ping, echo, add, info).
package service

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/ipc"
	"github.com/mithrel/conduit/pkg/api"
)

// Reply field values shared with clients.
const (
	ReplyUnknownType = "Unknown message type"
	ReplyNoEchoData  = "No data to echo"
)

// ErrMissingType is returned by Process for messages without a string "type".
var ErrMissingType = errors.New("message has no type field")

// HandlerFunc fills reply for req.
type HandlerFunc func(req *api.Message, reply *api.Builder)

// Identity reports the process the info handler describes.
type Identity interface {
	PID() int64
	PPID() int64
}

type osIdentity struct{}

func (osIdentity) PID() int64  { return int64(os.Getpid()) }
func (osIdentity) PPID() int64 { return int64(os.Getppid()) }

// StaticIdentity is a fixed Identity, mostly useful in tests.
type StaticIdentity struct{ Pid, Ppid int64 }

func (s StaticIdentity) PID() int64  { return s.Pid }
func (s StaticIdentity) PPID() int64 { return s.Ppid }

type Option func(*Dispatcher)

func WithIdentity(id Identity) Option {
	return func(d *Dispatcher) { d.identity = id }
}

// Dispatcher maps the "type" field of a message to a handler.
type Dispatcher struct {
	log      *zap.Logger
	identity Identity

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New returns a dispatcher with the reference handlers registered.
func New(log *zap.Logger, opts ...Option) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		log:      log.Named("service"),
		identity: osIdentity{},
		handlers: map[string]HandlerFunc{},
	}
	for _, o := range opts {
		o(d)
	}
	d.Register("ping", handlePing)
	d.Register("echo", handleEcho)
	d.Register("add", handleAdd)
	d.Register("info", d.handleInfo)
	return d
}

// Register adds or replaces the handler for typ.
func (d *Dispatcher) Register(typ string, h HandlerFunc) {
	d.mu.Lock()
	d.handlers[typ] = h
	d.mu.Unlock()
}

// Types lists registered message types in sorted order.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Process runs the handler for req's type and writes the answer into reply.
// Unknown types produce an error reply; a missing type returns
// ErrMissingType and leaves reply untouched.
func (d *Dispatcher) Process(req *api.Message, reply *api.Builder) error {
	typ, ok := req.GetString("type")
	if !ok {
		return ErrMissingType
	}
	d.mu.RLock()
	h, ok := d.handlers[typ]
	d.mu.RUnlock()
	if !ok {
		reply.SetString("error", ReplyUnknownType)
		return nil
	}
	h(req, reply)
	return nil
}

// HandleEvent is an ipc.Handler serving requests on an accepted connection.
func (d *Dispatcher) HandleEvent(c *ipc.Conn, ev ipc.Event) {
	log := d.log.With(zap.String("conn", c.ID()))
	switch ev.Type {
	case ipc.EventMessage:
		d.handleMessage(c, ev.Message, log)
	case ipc.EventInterrupted:
		log.Info("client connection interrupted")
	case ipc.EventInvalid:
		log.Info("client connection closed")
	case ipc.EventTerminationImminent:
		log.Info("termination imminent")
	}
}

func (d *Dispatcher) handleMessage(c *ipc.Conn, msg *api.Message, log *zap.Logger) {
	reply, err := ipc.CreateReply(msg)
	fireAndForget := err != nil
	if fireAndForget {
		reply = api.NewBuilder()
	}
	if err := d.Process(msg, reply); err != nil {
		log.Warn("dropping message", zap.Error(err), zap.Stringer("message", msg))
		return
	}
	typ, _ := msg.GetString("type")
	if fireAndForget {
		log.Debug("processed message without reply", zap.String("type", typ))
		return
	}
	if err := c.Send(context.Background(), reply.Build()); err != nil {
		log.Warn("reply failed", zap.String("type", typ), zap.Error(err))
		return
	}
	log.Debug("replied", zap.String("type", typ))
}

func handlePing(_ *api.Message, reply *api.Builder) {
	reply.SetString("response", "pong")
}

func handleEcho(req *api.Message, reply *api.Builder) {
	data, ok := req.GetString("data")
	if !ok {
		reply.SetString("error", ReplyNoEchoData)
		return
	}
	reply.SetString("response", data)
}

// handleAdd reads missing or non-integer operands as 0; overflow wraps.
func handleAdd(req *api.Message, reply *api.Builder) {
	a, _ := req.GetInt64("a")
	b, _ := req.GetInt64("b")
	reply.SetInt64("result", a+b)
}

func (d *Dispatcher) handleInfo(_ *api.Message, reply *api.Builder) {
	reply.SetInt64("pid", d.identity.PID())
	reply.SetInt64("ppid", d.identity.PPID())
	reply.SetString("status", "running")
}
