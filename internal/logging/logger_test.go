package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// filesIn returns the contents of every file directly under dir.
func filesIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, entry := range entries {
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, string(raw))
	}
	return out, nil
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelInfo, ParseLevel("info"))
	assert.Equal(t, LevelWarn, ParseLevel("warn"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	var typed *writerLogger
	assert.NotPanics(t, func() { OrNop(Logger(typed)).Info("dropped") })

	var buf bytes.Buffer
	real := NewWriterLogger(&buf, "", LevelDebug)
	assert.Equal(t, real, OrNop(real))
}

func TestWriterLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "test", LevelWarn)

	logger.Debug("invisible %d", 1)
	logger.Info("also invisible")
	logger.Warn("warned about %s", "disk")
	logger.Error("failed")

	out := buf.String()
	assert.NotContains(t, out, "invisible")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "warned about disk")
	assert.Contains(t, out, "ERROR")
	assert.Contains(t, out, "[test]")
}

func TestWriterLoggerWithoutComponent(t *testing.T) {
	var buf bytes.Buffer
	NewWriterLogger(&buf, "", LevelInfo).Info("hello")

	line := strings.TrimSpace(buf.String())
	assert.NotContains(t, line, "[")
	assert.True(t, strings.HasSuffix(line, "hello"))
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := Multi(NewWriterLogger(&a, "a", LevelDebug), nil, NewWriterLogger(&b, "b", LevelDebug))

	logger.Info("to both")
	assert.Contains(t, a.String(), "to both")
	assert.Contains(t, b.String(), "to both")
}

func TestMultiCollapses(t *testing.T) {
	assert.NotNil(t, Multi())

	var buf bytes.Buffer
	single := NewWriterLogger(&buf, "", LevelDebug)
	assert.Equal(t, single, Multi(nil, single))

	nested := Multi(Multi(single, single), single)
	ml, ok := nested.(*multiLogger)
	require.True(t, ok)
	assert.Len(t, ml.loggers, 3)
}

func TestFileLoggerAppends(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(dir, "daemon", LevelInfo)
	require.NoError(t, err)
	logger.Info("first line")
	logger.Info("second line")

	entries, err := filesIn(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "first line")
	assert.Contains(t, entries[0], "second line")
	assert.Contains(t, entries[0], "[daemon]")
}
