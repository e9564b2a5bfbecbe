package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer, level Level) Logger {
	return NewLogger(WithLevel(level), WithOutput(NewWriterOutput(buf)))
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, DebugLevel).WithComponent("consumer")
	l.Info("processed", Str("topic", "orders"), Int("count", 3), Err(errors.New("boom")))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "processed", lines[0]["message"])
	assert.Equal(t, "consumer", lines[0]["component"])
	assert.Equal(t, "orders", lines[0]["topic"])
	assert.EqualValues(t, 3, lines[0]["count"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, WarnLevel)
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WithFormatter(&TextFormatter{}), WithOutput(NewWriterOutput(&buf)))
	l.Info("hello", Str("topic", "a"))
	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "topic=a")
}

func TestApplyConfigRedactsAndSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agg.log")
	l, err := ApplyConfig(Config{
		Level:            "debug",
		Output:           "file",
		File:             path,
		RedactKeys:       []string{"secret"},
		SampleInitial:    1,
		SampleThereafter: 100,
	})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		l.Info("tick", Str("secret", "hunter2"))
	}
	require.NoError(t, l.(*BaseLogger).Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "[REDACTED]")
	assert.NotContains(t, lines[0], "hunter2")
}

func TestApplyConfigRejectsUnknownValues(t *testing.T) {
	_, err := ApplyConfig(Config{Level: "loud"})
	assert.Error(t, err)
	_, err = ApplyConfig(Config{Format: "xml"})
	assert.Error(t, err)
	_, err = ApplyConfig(Config{Output: "file"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestStdLoggerBridge(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, DebugLevel)
	ToStdLogger(l, WarnLevel).Println("from stdlib")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "from stdlib", lines[0]["message"])
}

func TestToSlog(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf, DebugLevel)
	ToSlog(l).Info("via slog", "k", "v")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "v", lines[0]["k"])
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Error("ignored")
	assert.Equal(t, FatalLevel+1, l.GetLevel())
}

func TestSamplerLetsEveryNthThroughAfterInitial(t *testing.T) {
	s := newSampler(1, 100)
	var allowed []int
	for i := 1; i <= 250; i++ {
		if s.allow(0, "tick") {
			allowed = append(allowed, i)
		}
	}
	assert.Equal(t, []int{1, 101, 201}, allowed)

	s = newSampler(2, 3)
	allowed = allowed[:0]
	for i := 1; i <= 8; i++ {
		if s.allow(0, "tick") {
			allowed = append(allowed, i)
		}
	}
	assert.Equal(t, []int{1, 2, 5, 8}, allowed)
}
