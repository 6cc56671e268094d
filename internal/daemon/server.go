package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mithrel/conduit/internal/config"
	"github.com/mithrel/conduit/internal/ipc"
	"github.com/mithrel/conduit/internal/service"
	"github.com/mithrel/conduit/internal/wire"
)

// Run serves the reference message types on a fresh listener until ctx is
// done. The endpoint token is written to endpoint_file once the listener is
// ready; its appearance is the readiness signal.
func Run(ctx context.Context, app *wire.App, opts ...service.Option) error {
	log := app.Log.Named("daemon")
	network := app.Cfg.GetString("network")
	tokenPath := config.ResolveEndpointFile(app.Cfg)

	l, err := app.Broker.CreateListener(network)
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}
	defer l.Cancel()

	d := service.New(app.Log, opts...)
	l.SetAcceptHandler(func(c *ipc.Conn) {
		log.Info("client connected", zap.String("conn", c.ID()), zap.Int64("peer_pid", c.PeerPID()))
		c.SetEventHandler(d.HandleEvent)
		if err := c.Resume(); err != nil {
			log.Warn("resume failed", zap.String("conn", c.ID()), zap.Error(err))
		}
	})
	if err := l.Resume(); err != nil {
		return err
	}
	ep, err := l.Endpoint()
	if err != nil {
		return err
	}
	if err := writeEndpoint(tokenPath, ep); err != nil {
		return fmt.Errorf("write endpoint: %w", err)
	}
	defer os.Remove(tokenPath)
	if network == "memory" {
		log.Warn("memory endpoints can only be opened from this process", zap.String("endpoint_file", tokenPath))
	}
	log.Info("service listening",
		zap.String("network", network),
		zap.String("endpoint_file", tokenPath),
		zap.Stringer("endpoint", ep))

	g, gctx := errgroup.WithContext(ctx)
	if addr := strings.TrimSpace(app.Cfg.GetString("http_addr")); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("http listen: %w", err)
		}
		log.Info("http listening", zap.String("addr", ln.Addr().String()))
		g.Go(func() error { return Start(gctx, ln, app.Broker) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdown(app, l, log)
		return nil
	})
	return g.Wait()
}

// shutdown warns connected clients, gives them the grace period to finish,
// then stops accepting.
func shutdown(app *wire.App, l *ipc.Listener, log *zap.Logger) {
	grace := app.Cfg.GetDuration("service.shutdown_grace")
	log.Info("shutting down", zap.Int("conns", app.Broker.ActiveConns()), zap.Duration("grace", grace))
	app.Broker.NotifyTerminationImminent()
	deadline := time.Now().Add(grace)
	for app.Broker.ActiveConns() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	l.Cancel()
}

// writeEndpoint replaces path atomically so readers never see a partial token.
func writeEndpoint(path string, ep ipc.Endpoint) error {
	text, err := ep.MarshalText()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".endpoint-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(text, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadEndpoint loads a token written by Run.
func ReadEndpoint(path string) (ipc.Endpoint, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ipc.Endpoint{}, err
	}
	return ipc.ParseEndpoint(string(b))
}

// Start serves /healthz and /stats on l until ctx is done.
func Start(ctx context.Context, l net.Listener, b *ipc.Broker) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.Stats())
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
