package logger_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"quartzdb/pkg/logger"
)

func TestDefaultsAreQuiet(t *testing.T) {
	log, err := logger.New(logger.Config{})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel), "an embedded engine defaults to warn")
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestInvalidLevelRejected(t *testing.T) {
	_, err := logger.New(logger.Config{Level: "loud"})
	require.Error(t, err)
}

func TestFileSinkCarriesServiceField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := logger.New(logger.Config{Level: "info", OutputFile: path})
	require.NoError(t, err)
	log.Named("pager").Info("checkpoint complete")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"service":"quartzdb"`)
	require.Contains(t, string(data), "checkpoint complete")
}
