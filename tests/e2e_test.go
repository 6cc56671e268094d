package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/conduit/internal/cli"
	"github.com/mithrel/conduit/internal/daemon"
)

// runCLI executes the CLI with the given args and returns stdout, stderr, and error.
func runCLI(ctx context.Context, args ...string) (string, string, error) {
	cmd := cli.NewRootCmd()
	var outBuf, errBuf bytes.Buffer
	cmd.SetOut(&outBuf)
	cmd.SetErr(&errBuf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return outBuf.String(), errBuf.String(), err
}

func waitForFile(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return os.ErrNotExist
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_RUNTIME_DIR", filepath.Join(tmp, "run"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "cfg"))
	t.Setenv("CONDUIT_LOG_LEVEL", "error")
	t.Setenv("CONDUIT_SERVICE_SHUTDOWN_GRACE", "200ms")
	return tmp
}

// serve starts `conduit serve` and returns the endpoint file and a stop func
// that waits for the service to exit.
func serve(t *testing.T, extra ...string) (string, func() error) {
	t.Helper()
	tmp := isolate(t)
	path := filepath.Join(tmp, "endpoint.token")
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := runCLI(ctx, append([]string{"serve", "--endpoint-file", path}, extra...)...)
		errc <- err
	}()
	require.NoError(t, waitForFile(path, 5*time.Second), "service did not publish an endpoint")
	var once bool
	stop := func() error {
		if once {
			return nil
		}
		once = true
		cancel()
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			return context.DeadlineExceeded
		}
	}
	t.Cleanup(func() { _ = stop() })
	return path, stop
}

func TestE2E_ServeCallDemo(t *testing.T) {
	path, stop := serve(t)
	ctx := context.Background()

	out, _, err := runCLI(ctx, "call", "ping", "--endpoint-file", path)
	require.NoError(t, err)
	var reply map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, "pong", reply["response"])

	out, _, err = runCLI(ctx, "call", "info", "--endpoint-file", path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, float64(os.Getpid()), reply["pid"])
	assert.Equal(t, "running", reply["status"])

	out, _, err = runCLI(ctx, "demo", "--endpoint-file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[Client] Result: 65")
	assert.Contains(t, out, "[Client] Demo complete.")

	require.NoError(t, stop())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "endpoint file removed after shutdown")
}

func TestE2E_StaleTokenIsGone(t *testing.T) {
	path, stop := serve(t)
	token, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, stop())

	_, _, err = runCLI(context.Background(), "call", "ping", "--endpoint", strings.TrimSpace(string(token)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoint")
}

func TestE2E_ServeWithHTTP(t *testing.T) {
	path, _ := serve(t, "--http-addr", "127.0.0.1:0")
	ep, err := daemon.ReadEndpoint(path)
	require.NoError(t, err)
	assert.Equal(t, "unix", ep.Network)

	_, _, err = runCLI(context.Background(), "call", "add", "a=1", "b=2", "--endpoint-file", path)
	require.NoError(t, err)
}
