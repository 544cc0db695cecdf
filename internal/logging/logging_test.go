package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerRole(t *testing.T) {
	assert.Equal(t, "W-1", WorkerRole(1))
	assert.Equal(t, "W-12", WorkerRole(12))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		env     string
		enabled zapcore.Level
		wantErr bool
	}{
		{name: "production info", level: "info", env: "production", enabled: zapcore.InfoLevel},
		{name: "development debug", level: "debug", env: "development", enabled: zapcore.DebugLevel},
		{name: "warn", level: "warn", env: "production", enabled: zapcore.WarnLevel},
		{name: "bad level", level: "loud", env: "production", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.level, tt.env, RoleSupervisor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.enabled))
			assert.False(t, l.Core().Enabled(tt.enabled-1))
		})
	}
}

func TestWithRole(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	l := WithRole(zap.New(core), WorkerRole(3))
	l.Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "W-3", entries[0].ContextMap()["proc"])

	assert.Same(t, l, WithRole(l, ""))
}
