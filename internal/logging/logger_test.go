package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RevanthMeda/dbpulse/internal/config"
)

func TestNewStdoutLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info", Encoding: "json"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	logger.Info("test message")
}

func TestNewConsoleLogger(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Encoding: "console", Development: true})
	require.NoError(t, err)
	logger.Debug("test message")
}

func TestNewFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dbpulse.log")
	logger, err := New(config.LoggingConfig{
		Level:      "info",
		Encoding:   "json",
		OutputPath: path,
		MaxSizeMB:  1,
	})
	require.NoError(t, err)
	logger.Info("written to file")
	require.NoError(t, logger.Sync())

	assert.FileExists(t, path)
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestWithComponent(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "info"})
	require.NoError(t, err)
	assert.NotNil(t, WithComponent(logger, "cache"))
}
