package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("nonsense"))
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskfarm.log")
	l := New(&Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	l.Info("dispatched", zap.String("task_id", "t1"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"dispatched"`)
	assert.Contains(t, string(data), `"task_id":"t1"`)
}

func TestReplaceGlobal(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	old := Replace(zap.New(core))
	defer Replace(old)

	Info("hello", zap.Int("n", 1))
	Debug("dropped")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "hello", logs.All()[0].Message)
	assert.Equal(t, "scheduler", Named("scheduler").Name())
}
