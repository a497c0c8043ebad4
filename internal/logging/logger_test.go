package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("loud", "console")
	require.Error(t, err)
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		logger, err := NewLogger("debug", format)
		require.NoError(t, err, format)
		require.NotNil(t, logger)
	}
}

func TestNewFileLoggerWritesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "worker.log")
	logger, err := NewFileLogger(path, "debug")
	require.NoError(t, err)

	logger.Debug("worker stderr")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "worker stderr")
}
