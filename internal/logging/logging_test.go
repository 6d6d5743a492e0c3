package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, Level(0))
	assert.Equal(t, zapcore.InfoLevel, Level(1))
	assert.Equal(t, zapcore.DebugLevel, Level(2))
	assert.Equal(t, zapcore.DebugLevel, Level(3))
}

func TestNew_FiltersByVerbosity(t *testing.T) {
	var buf bytes.Buffer
	log := New(0, &buf)
	log.Info("hidden")
	log.Warn("shown", Peer("peer-a"))
	_ = log.Sync()

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "peer-a")

	buf.Reset()
	log = New(2, &buf)
	log.Debug("detail", zap.Int("n", 3))
	_ = log.Sync()
	assert.Contains(t, buf.String(), "detail")
	assert.Contains(t, buf.String(), "logging_test.go", "caller is included at -vv")
}
