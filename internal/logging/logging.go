// Package logging constructs the slog loggers used across the harness.
package logging

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// New returns a tint-backed logger writing to w. Debug enables debug-level
// records; otherwise the level is info.
func New(w io.Writer, debug bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.DateTime,
	}))
}

// TB is the subset of testing.TB the test writer needs.
type TB interface {
	Logf(format string, args ...any)
}

// testWriter adapts a testing.T to io.Writer for slog output, so harness logs
// only appear on test failure (standard go test behavior).
type testWriter struct {
	tb TB
	mu sync.Mutex
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tb.Logf("%s", p)
	return len(p), nil
}

// NewTestLogger returns a logger that routes records through tb.Logf.
func NewTestLogger(tb TB, debug bool) *slog.Logger {
	return New(&testWriter{tb: tb}, debug)
}
