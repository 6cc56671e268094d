package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/ipc"
	"github.com/mithrel/conduit/internal/service"
	"github.com/mithrel/conduit/pkg/api"
)

func serve(t *testing.T) (*ipc.Broker, ipc.Endpoint) {
	t.Helper()
	b, err := ipc.New(ipc.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	d := service.New(zap.NewNop(), service.WithIdentity(service.StaticIdentity{Pid: 4242, Ppid: 1}))
	l, err := b.CreateListener("memory")
	require.NoError(t, err)
	l.SetAcceptHandler(func(c *ipc.Conn) {
		c.SetEventHandler(d.HandleEvent)
		_ = c.Resume()
	})
	require.NoError(t, l.Resume())
	ep, err := l.Endpoint()
	require.NoError(t, err)
	return b, ep
}

func dial(t *testing.T) *Client {
	t.Helper()
	b, ep := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cl, err := Dial(ctx, b, ep, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(cl.Close)
	return cl
}

func TestClientHelpers(t *testing.T) {
	cl := dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pong, err := cl.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", pong)

	echoed, err := cl.Echo(ctx, "Hello, XPC!")
	require.NoError(t, err)
	assert.Equal(t, "Hello, XPC!", echoed)

	sum, err := cl.Add(ctx, 42, 23)
	require.NoError(t, err)
	assert.Equal(t, int64(65), sum)

	info, err := cl.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, Info{PID: 4242, PPID: 1, Status: "running"}, info)
	assert.Equal(t, ipc.StateActive, cl.Conn().State())
}

func TestCallRemoteError(t *testing.T) {
	cl := dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := cl.Call(ctx, "frobnicate", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, service.ReplyUnknownType, re.Message)
	assert.Equal(t, "frobnicate", re.Type)
	require.NotNil(t, reply)

	_, err = cl.Call(ctx, "echo", api.NewBuilder().SetInt64("data", 1))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, service.ReplyNoEchoData, re.Message)
}

func TestCallKeepsCallerFields(t *testing.T) {
	cl := dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields := api.NewBuilder().SetString("data", "x").SetString("type", "ignored")
	reply, err := cl.Call(ctx, "echo", fields)
	require.NoError(t, err)
	got, _ := reply.GetString("response")
	assert.Equal(t, "x", got)
}

func TestCloseInvalidates(t *testing.T) {
	cl := dial(t)
	cl.Close()
	select {
	case <-cl.Conn().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not invalidated")
	}
	_, err := cl.Ping(context.Background())
	assert.ErrorIs(t, err, ipc.ErrConnectionInvalid)
}
