package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.log")
	log, err := New(Config{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	log.Named("ipc").Debug("listener resumed")
	_ = log.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(b)
	require.True(t, strings.Contains(line, `"msg":"listener resumed"`), line)
	require.True(t, strings.Contains(line, `"logger":"ipc"`), line)
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
	_, err = New(Config{Format: "xml"})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	log, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, log)
}
