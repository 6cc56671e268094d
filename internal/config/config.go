package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mithrel/conduit/internal/ipc"
)

// applyDefaults seeds Viper with defaults defined in GetConfigOptions.
func applyDefaults(v *viper.Viper) {
	for _, o := range GetConfigOptions() {
		v.SetDefault(o.Key, o.Default)
	}
}

// Load resolves configuration with precedence: defaults < file < env.
// The provided Viper instance is mutated with defaults, file contents, and env.
func Load(ctx context.Context, v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "conduit"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "conduit"))
		}
		v.AddConfigPath(".")
	}

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	// Environment variables: CONDUIT_* (highest among these sources)
	v.SetEnvPrefix("conduit")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(v.GetString("runtime_dir")) == "" {
		dir, err := ipc.RuntimeDir()
		if err != nil {
			return fmt.Errorf("runtime dir: %w", err)
		}
		v.Set("runtime_dir", dir)
	}
	return nil
}

// DefaultConfigPath resolves the standard config.toml location.
func DefaultConfigPath() string {
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		home, _ := os.UserHomeDir()
		xdg = filepath.Join(home, ".config")
	}
	return filepath.Join(xdg, "conduit", "config.toml")
}

type ConfigOption struct {
	Key     string
	Default any
	Comment string
}

// GetConfigOptions returns the default configuration options and their meanings.
// This is the single source of truth for default values and generator output.
func GetConfigOptions() []ConfigOption {
	return []ConfigOption{
		{Key: "runtime_dir", Default: "", Comment: "Directory for sockets and endpoint files; empty means $XDG_RUNTIME_DIR/conduit"},
		{Key: "network", Default: "unix", Comment: "Network the service listens on: unix, quic or memory"},
		{Key: "endpoint_file", Default: "", Comment: "Where serve writes the endpoint token; empty means runtime_dir/endpoint"},
		{Key: "http_addr", Default: "", Comment: "Optional address for /healthz and /stats; empty disables"},

		{Key: "log.level", Default: "info", Comment: "debug, info, warn or error"},
		{Key: "log.format", Default: "console", Comment: "console or json"},
		{Key: "log.output", Default: "stderr", Comment: "stderr, stdout or a file path"},

		{Key: "ipc.max_listeners", Default: 64, Comment: "Listeners a process may hold at once"},
		{Key: "ipc.max_frame", Default: 16 << 20, Comment: "Largest encoded frame in bytes"},
		{Key: "ipc.handshake_timeout", Default: "5s", Comment: "Deadline for opening a connection"},
		{Key: "ipc.reply_timeout", Default: "0s", Comment: "Default bound for awaited replies; 0 waits forever"},
		{Key: "ipc.reconnect", Default: true, Comment: "Re-open interrupted client connections on the next send"},

		{Key: "service.shutdown_grace", Default: "2s", Comment: "Time between the termination notice and closing connections"},

		{Key: "quic.addr", Default: "127.0.0.1:0", Comment: "UDP address for the quic network"},
		{Key: "quic.tls", Default: "self-signed", Comment: "self-signed, file or acme"},
		{Key: "quic.cert_file", Default: "", Comment: "PEM certificate for quic.tls = file"},
		{Key: "quic.key_file", Default: "", Comment: "PEM key for quic.tls = file"},
		{Key: "quic.domain", Default: "", Comment: "Domain for quic.tls = acme"},
		{Key: "quic.email", Default: "", Comment: "ACME account email for quic.tls = acme"},
		{Key: "quic.insecure", Default: true, Comment: "Skip certificate verification when dialling quic endpoints"},
	}
}

// ResolveRuntimeDir returns runtime_dir with ~ expanded.
func ResolveRuntimeDir(v *viper.Viper) string {
	return expandHome(v.GetString("runtime_dir"))
}

// ResolveEndpointFile returns endpoint_file, defaulting to runtime_dir/endpoint.
func ResolveEndpointFile(v *viper.Viper) string {
	if p := strings.TrimSpace(v.GetString("endpoint_file")); p != "" {
		return expandHome(p)
	}
	return ipc.EndpointFile(ResolveRuntimeDir(v))
}

func expandHome(dir string) string {
	if len(dir) > 0 && dir[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[1:])
		}
	}
	return dir
}

var networks = map[string]bool{"unix": true, "quic": true, "memory": true}

// CheckConfigValidity reports every invalid option at once.
func CheckConfigValidity(v *viper.Viper) error {
	var errs []error
	if strings.TrimSpace(v.GetString("runtime_dir")) == "" {
		errs = append(errs, errors.New("runtime_dir is required"))
	}
	if n := v.GetString("network"); !networks[n] {
		errs = append(errs, fmt.Errorf("network %q must be one of unix, quic, memory", n))
	}
	if addr := v.GetString("http_addr"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("http_addr is invalid: %v", err))
		}
	}
	switch v.GetString("log.format") {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", v.GetString("log.format")))
	}
	switch strings.ToLower(v.GetString("log.level")) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is unknown", v.GetString("log.level")))
	}
	if v.GetInt("ipc.max_listeners") <= 0 {
		errs = append(errs, errors.New("ipc.max_listeners must be greater than 0"))
	}
	if v.GetInt("ipc.max_frame") < 1024 {
		errs = append(errs, errors.New("ipc.max_frame must be at least 1024"))
	}
	if v.GetDuration("ipc.handshake_timeout") <= 0 {
		errs = append(errs, errors.New("ipc.handshake_timeout must be greater than 0"))
	}
	if v.GetDuration("ipc.reply_timeout") < 0 {
		errs = append(errs, errors.New("ipc.reply_timeout must not be negative"))
	}
	if v.GetDuration("service.shutdown_grace") < 0 {
		errs = append(errs, errors.New("service.shutdown_grace must not be negative"))
	}
	switch v.GetString("quic.tls") {
	case "self-signed":
	case "file":
		if v.GetString("quic.cert_file") == "" || v.GetString("quic.key_file") == "" {
			errs = append(errs, errors.New("quic.tls = file needs quic.cert_file and quic.key_file"))
		}
	case "acme":
		if v.GetString("quic.domain") == "" {
			errs = append(errs, errors.New("quic.tls = acme needs quic.domain"))
		}
	default:
		errs = append(errs, fmt.Errorf("quic.tls %q must be self-signed, file or acme", v.GetString("quic.tls")))
	}
	if _, _, err := net.SplitHostPort(v.GetString("quic.addr")); err != nil {
		errs = append(errs, fmt.Errorf("quic.addr is invalid: %v", err))
	}
	return errors.Join(errs...)
}
