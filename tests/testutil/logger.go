package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/systmms/camcreds/internal/logging"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger captures log output for validation in tests.
//
// Entries are recorded by a zap observer core, so tests can check that
// secrets are redacted and that expected messages are produced.
//
// Example usage:
//
//	logger := NewTestLogger(t)
//	logger.Logger().Info("Fetched %s", logging.Secret("ABCDEF"))
//
//	logger.AssertRedacted(t, "ABCDEF")
type TestLogger struct {
	logs   *observer.ObservedLogs
	logger *logging.Logger
}

// NewTestLogger creates a TestLogger that drops debug messages.
func NewTestLogger(t *testing.T) *TestLogger {
	t.Helper()
	return NewTestLoggerWithDebug(t, false)
}

// NewTestLoggerWithDebug creates a TestLogger, capturing debug messages
// when debug is true.
func NewTestLoggerWithDebug(t *testing.T, debug bool) *TestLogger {
	t.Helper()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	core, logs := observer.New(level)
	return &TestLogger{logs: logs, logger: logging.NewWithCore(core, debug)}
}

// Logger returns the logger to hand to the code under test.
func (l *TestLogger) Logger() *logging.Logger {
	return l.logger
}

// GetOutput returns every captured message, one per line.
func (l *TestLogger) GetOutput() string {
	var b strings.Builder
	for _, e := range l.logs.All() {
		b.WriteString(e.Message)
		b.WriteByte('\n')
	}
	return b.String()
}

// Clear drops the captured entries.
func (l *TestLogger) Clear() {
	l.logs.TakeAll()
}

// AssertContains asserts that the log output contains substr.
func (l *TestLogger) AssertContains(t *testing.T, substr string) {
	t.Helper()
	assert.Contains(t, l.GetOutput(), substr, "Expected log output to contain %q", substr)
}

// AssertNotContains asserts that the log output does NOT contain substr.
func (l *TestLogger) AssertNotContains(t *testing.T, substr string) {
	t.Helper()
	assert.NotContains(t, l.GetOutput(), substr, "Expected log output to NOT contain %q", substr)
}

// AssertRedacted asserts that secretValue never reached the logs and that
// a redaction marker did.
func (l *TestLogger) AssertRedacted(t *testing.T, secretValue string) {
	t.Helper()

	output := l.GetOutput()
	assert.NotContains(t, output, secretValue,
		"Secret value %q should be redacted, but appears in logs", secretValue)
	assert.Contains(t, output, "[REDACTED]",
		"Expected [REDACTED] marker in logs when secret is used")
}

// AssertLogCount asserts how many entries were logged at level ("debug",
// "info", "warn" or "error").
func (l *TestLogger) AssertLogCount(t *testing.T, level string, count int) {
	t.Helper()

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		t.Fatalf("Unknown log level: %s", level)
	}
	got := l.logs.FilterLevelExact(lvl).Len()
	assert.Equal(t, count, got, "Expected %d %s entries, got %d", count, level, got)
}
