package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(level LogLevel) (*FlowLogger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cfg := DefaultLoggerConfig()
	cfg.Output = buf
	cfg.Level = level
	return NewLogger(cfg), buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestFlowLogger_ContextualClones(t *testing.T) {
	base, buf := newBufferLogger(LogLevelDebug)
	l := base.WithComponent("workflow").WithExecution("exec-1").WithAgent("default:a1")
	l.Info("step started", "step_id", "s1")

	entry := decodeLine(t, buf)
	assert.Equal(t, "step started", entry["msg"])
	assert.Equal(t, "workflow", entry["component"])
	assert.Equal(t, "exec-1", entry["execution_id"])
	assert.Equal(t, "default:a1", entry["agent_id"])
	assert.Equal(t, "s1", entry["step_id"])

	buf.Reset()
	base.Info("plain")
	entry = decodeLine(t, buf)
	_, ok := entry["component"]
	assert.False(t, ok, "clone must not mutate parent")
}

func TestFlowLogger_LevelFiltering(t *testing.T) {
	l, buf := newBufferLogger(LogLevelWarn)
	l.Info("dropped")
	l.Debug("dropped")
	assert.Zero(t, buf.Len())

	l.LogStepExecution("s1", "http", time.Millisecond, 1, true, nil)
	assert.Zero(t, buf.Len())

	l.LogStepExecution("s1", "http", time.Millisecond, 3, false, errors.New("boom"))
	entry := decodeLine(t, buf)
	assert.Equal(t, "Step execution failed", entry["msg"])
	assert.Equal(t, "boom", entry["error"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
		err  bool
	}{
		{"debug", LogLevelDebug, false},
		{"", LogLevelInfo, false},
		{"WARN", LogLevelWarn, false},
		{"error", LogLevelError, false},
		{"loud", LogLevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
