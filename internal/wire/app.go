package wire

import (
	"context"
	"crypto/tls"
	"path/filepath"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mithrel/conduit/internal/config"
	"github.com/mithrel/conduit/internal/ipc"
	"github.com/mithrel/conduit/internal/ipc/transport"
	"github.com/mithrel/conduit/internal/logger"
	"github.com/mithrel/conduit/internal/quicnet"
)

// App aggregates the major services for easy injection.
type App struct {
	Cfg    *viper.Viper
	Log    *zap.Logger
	Broker *ipc.Broker
}

// BrokerConfig maps the ipc.* options onto an ipc.Config.
func BrokerConfig(v *viper.Viper) ipc.Config {
	return ipc.Config{
		MaxListeners:     v.GetInt("ipc.max_listeners"),
		MaxFrame:         v.GetInt("ipc.max_frame"),
		HandshakeTimeout: v.GetDuration("ipc.handshake_timeout"),
		ReplyTimeout:     v.GetDuration("ipc.reply_timeout"),
		Reconnect:        v.GetBool("ipc.reconnect"),
	}
}

// BuildApp wires dependencies with the provided config. The unix, quic and
// memory networks are all registered; which one serves is up to the caller.
func BuildApp(ctx context.Context, v *viper.Viper) (*App, error) {
	if err := config.CheckConfigValidity(v); err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
		Output: v.GetString("log.output"),
	})
	if err != nil {
		return nil, err
	}

	runtimeDir := config.ResolveRuntimeDir(v)
	tlsOpts := quicnet.TLSOptions{
		Mode:     v.GetString("quic.tls"),
		CertFile: v.GetString("quic.cert_file"),
		KeyFile:  v.GetString("quic.key_file"),
		CertMagicConfig: quicnet.CertMagicConfig{
			Domain: v.GetString("quic.domain"),
			Email:  v.GetString("quic.email"),
		},
	}
	var clientTLS *tls.Config
	if !v.GetBool("quic.insecure") {
		clientTLS = &tls.Config{MinVersion: tls.VersionTLS13}
	}
	qn := &quicnet.Network{
		Addr:             v.GetString("quic.addr"),
		ServerTLS:        quicnet.ServerTLSFunc(tlsOpts, log),
		ClientTLS:        clientTLS,
		HandshakeTimeout: v.GetDuration("ipc.handshake_timeout"),
	}

	broker, err := ipc.New(BrokerConfig(v), log,
		ipc.WithNetwork(transport.Unix{Dir: filepath.Join(runtimeDir, "sockets")}),
		ipc.WithNetwork(qn),
	)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	log.Debug("app wired", zap.String("runtime_dir", runtimeDir), zap.Strings("networks", broker.Networks()))
	return &App{Cfg: v, Log: log, Broker: broker}, nil
}

// Close releases the broker and flushes the logger.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	err := a.Broker.Close()
	// Sync on a terminal reports EINVAL on some platforms.
	_ = a.Log.Sync()
	return err
}
