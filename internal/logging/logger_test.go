package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

func TestNewProductionLoggerCarriesServiceScope(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	core, logs := observer.New(zap.InfoLevel)
	scoped := logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core { return core }))
	scoped.Named("store").Info("ready")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "runlens.store", entries[0].LoggerName)
}
