package ipc

import (
	"os"
	"path/filepath"
)

// RuntimeDir returns the preferred directory for sockets and endpoint files
// and ensures it exists with private permissions.
func RuntimeDir() (string, error) {
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		p := filepath.Join(xdg, "conduit")
		if err := os.MkdirAll(p, 0o700); err != nil {
			return "", err
		}
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	p := filepath.Join(home, ".local", "share", "conduit", "run")
	if err := os.MkdirAll(p, 0o700); err != nil {
		return "", err
	}
	return p, nil
}

// EndpointFile is the default location of the token written by `serve`.
func EndpointFile(runtimeDir string) string {
	return filepath.Join(runtimeDir, "endpoint")
}
