package log

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfo(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug must be disabled at info level")
	assert.True(t, logger.Core().Enabled(0))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gtunnel.log")
	logger, err := New(Config{Level: "debug", Format: "console", File: path})
	require.NoError(t, err)
	logger.Info("hello", Port(8080))
	Sync(logger)
	assert.FileExists(t, path)
}
