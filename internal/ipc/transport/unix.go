package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// Unix allocates one Unix domain socket per Port under Dir.
type Unix struct{ Dir string }

func (Unix) Name() string { return "unix" }

func (u Unix) Listen(ctx context.Context) (Port, error) {
	if u.Dir == "" {
		return nil, errors.New("unix network: empty socket dir")
	}
	if err := os.MkdirAll(u.Dir, 0o700); err != nil {
		return nil, err
	}
	var rnd [4]byte
	_, _ = rand.Read(rnd[:])
	path := filepath.Join(u.Dir, "c-"+hex.EncodeToString(rnd[:])+".sock")
	// Remove stale socket
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	p := &unixPort{l: l, path: path, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = p.Close()
		case <-p.done:
		}
	}()
	return p, nil
}

func (u Unix) Dial(ctx context.Context, addr string) (Stream, error) {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("unix %s: %w", addr, ErrUnreachable)
		}
		return nil, err
	}
	return c, nil
}

type unixPort struct {
	l    net.Listener
	path string
	once sync.Once
	done chan struct{}
	err  error
}

func (p *unixPort) Accept() (Stream, error) { return p.l.Accept() }

func (p *unixPort) Addr() string { return p.path }

// Close stops accepting and removes the socket file.
func (p *unixPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.err = p.l.Close()
		_ = os.Remove(p.path)
	})
	return p.err
}
