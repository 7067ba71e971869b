package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Run("console and json", func(t *testing.T) {
		for _, cfg := range []*Config{DefaultConfig(), ProductionConfig()} {
			l, err := New(cfg)
			require.NoError(t, err)
			assert.NotNil(t, l)
		}
	})

	t.Run("file output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "admission.log")
		cfg := ProductionConfig()
		cfg.Output = path

		l, err := New(cfg)
		require.NoError(t, err)
		l.Info("quota checked")
		require.NoError(t, l.Sync())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"quota checked"`)
	})

	t.Run("unwritable file is an error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Output = filepath.Join(t.TempDir(), "missing", "dir", "x.log")
		_, err := New(cfg)
		assert.Error(t, err)
	})
}

func TestNewForEnvironment(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		l, err := NewForEnvironment(env)
		require.NoError(t, err, env)
		assert.NotNil(t, l)
	}
}

func TestWithCores_Tees(t *testing.T) {
	a, recA := observer.New(zapcore.InfoLevel)
	b, recB := observer.New(zapcore.WarnLevel)

	l := WithCores(a, b)
	l.Info("admitted")
	l.Warn("failing open")

	assert.Equal(t, 2, recA.Len())
	assert.Equal(t, 1, recB.Len())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
