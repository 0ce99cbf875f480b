package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sky93/dripflow"
)

func TestSanitizer(t *testing.T) {
	s := NewSanitizer()
	tests := []struct {
		in, want string
	}{
		{"postgres://dripflow:hunter22@db:5432/app", "postgres://dripflow:[REDACTED]@db:5432/app"},
		{"redis://:s3cret@cache:6379/0", "redis://:[REDACTED]@cache:6379/0"},
		{"root:mju7&UJM@tcp(127.0.0.1:3306)/card", "root:[REDACTED]@tcp(127.0.0.1:3306)/card"},
		{"dsn=host=db user=app password=topsecret", "dsn=host=db user=app password=[REDACTED]"},
		{"Authorization: Bearer abcdef0123456789", "Authorization: Bearer [REDACTED]"},
		{"api_key=ABCDEFGHIJKLMNOP", "api_key=[REDACTED]"},
		{"http://localhost:8080/api/v1/runs", "http://localhost:8080/api/v1/runs"},
		{"run started", "run started"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Sanitize(tt.in), tt.in)
	}

	require.NoError(t, s.AddPattern(`\+1555\d+`))
	assert.Equal(t, "to [REDACTED]", s.Sanitize("to +15551234"))
	assert.Error(t, s.AddPattern(`(`))
}

func TestNew_JSONIsSanitized(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "debug", Format: "json", Output: &buf})

	logger.With("dsn", "postgres://u:pw123456@h/db").Debug("connecting",
		"error", errors.New("dial postgres://u:pw123456@h/db: refused"),
		slog.Group("auth", slog.String("header", "Bearer abcdefghijklmnop")))

	out := buf.String()
	assert.NotContains(t, out, "pw123456")
	assert.NotContains(t, out, "abcdefghijklmnop")
	assert.Contains(t, out, `"msg":"connecting"`)
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "text", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_AutoFallsBackToJSON(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Format: "auto", Output: &buf}).Info("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestPrettyHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, slog.LevelInfo))
	logger.With("run_id", "r1").WithGroup("job").Info("step executed", "attempt", 2)
	logger.Debug("dropped")

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "step executed")
	assert.Contains(t, out, "run_id")
	assert.Contains(t, out, "job.attempt")
	assert.NotContains(t, out, "dropped")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestQueueHooks(t *testing.T) {
	var buf bytes.Buffer
	info, errLog := QueueHooks(New(Config{Format: "json", Output: &buf}))

	id, op, d := "job-1", "workflow", 1500*time.Millisecond
	info(dripflow.LogEvent{Message: "Job completed", WorkerID: "worker-1", JobID: &id, Operation: &op, Duration: &d})
	errLog(dripflow.LogEvent{Message: "Job failed", JobID: &id, Err: errors.New("boom")})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"level":"INFO"`)
	assert.Contains(t, lines[0], `"component":"queue"`)
	assert.Contains(t, lines[0], `"worker_id":"worker-1"`)
	assert.Contains(t, lines[0], `"operation":"workflow"`)
	assert.Contains(t, lines[1], `"level":"ERROR"`)
	assert.Contains(t, lines[1], `"error":"boom"`)
}
