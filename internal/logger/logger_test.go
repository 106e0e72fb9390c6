package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name      string
		debug     bool
		expectDbg bool
	}{
		{name: "debug enabled", debug: true, expectDbg: true},
		{name: "debug disabled", debug: false, expectDbg: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf, "runner", tt.debug)

			l.Debug("probe %s", "create-user")
			l.Info("applied %d steps", 3)

			out := buf.String()
			assert.Contains(t, out, "applied 3 steps")
			assert.Contains(t, out, "runner")
			if tt.expectDbg {
				assert.Contains(t, out, "probe create-user")
			} else {
				assert.NotContains(t, out, "probe create-user")
			}
		})
	}
}

func TestNew_WarnAndError(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "", false)

	l.Warn("session dropped")
	l.Error("step %s failed", "firewall")

	out := buf.String()
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "session dropped")
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "step firewall failed")
}

func TestNoop(t *testing.T) {
	l := Noop()
	// Should not panic
	l.Debug("x %d", 1)
	l.Info("x")
	l.Warn("x")
	l.Error("x")
}

func TestBufferLogger(t *testing.T) {
	l := NewBufferLogger()

	l.Info("detected mode %s", "root-password")
	l.Warn("expected disconnect after %s", "harden-sshd")

	require.Len(t, l.Messages, 2)
	assert.True(t, l.HasLevel("info"))
	assert.True(t, l.HasLevel("warn"))
	assert.False(t, l.HasLevel("error"))
	assert.True(t, l.Contains("root-password"))
	assert.False(t, l.Contains("key-based"))

	l.Clear()
	assert.Empty(t, l.Messages)
}
