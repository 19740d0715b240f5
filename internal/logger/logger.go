package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"example.com/muxtransport/internal/config"
)

// LogFields carries structured key/value context attached to a log event.
type LogFields map[string]interface{}

// Logger is a leveled, structured logger shared by the transport components.
// It wraps a zerolog.Logger and gates events on the configured level.
type Logger struct {
	zl     zerolog.Logger
	mu     sync.Mutex
	output io.WriteCloser
}

func zerologLevel(lvl config.LogLevel) zerolog.Level {
	switch lvl {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelInfo:
		return zerolog.InfoLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a Logger from the logging configuration. Target may be
// "stderr", "stdout" or an absolute file path (opened append-only).
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	var output io.WriteCloser = os.Stderr
	switch {
	case cfg.Target == "" || cfg.Target == "stderr":
		output = os.Stderr
	case cfg.Target == "stdout":
		output = os.Stdout
	case strings.HasPrefix(cfg.Target, "/"):
		file, err := os.OpenFile(cfg.Target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.Target, err)
		}
		output = file
	default:
		return nil, fmt.Errorf("invalid log target: %s", cfg.Target)
	}

	zl := zerolog.New(output).Level(zerologLevel(cfg.LogLevel)).With().Timestamp().Logger()
	return &Logger{zl: zl, output: output}, nil
}

// NewTestLogger returns a logger suitable for tests: debug level, writing to w.
// A nil w discards all output.
func NewTestLogger(w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{zl: zerolog.New(w).Level(zerolog.DebugLevel)}
}

func (l *Logger) event(ev *zerolog.Event, msg string, fields LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Debug logs a debug-level event.
func (l *Logger) Debug(msg string, fields LogFields) {
	l.event(l.zl.Debug(), msg, fields)
}

// Info logs an info-level event.
func (l *Logger) Info(msg string, fields LogFields) {
	l.event(l.zl.Info(), msg, fields)
}

// Warn logs a warning-level event.
func (l *Logger) Warn(msg string, fields LogFields) {
	l.event(l.zl.Warn(), msg, fields)
}

// Error logs an error-level event.
func (l *Logger) Error(msg string, fields LogFields) {
	l.event(l.zl.Error(), msg, fields)
}

// Close releases the log output if it is a file. Stdout/stderr are left open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.output == nil || l.output == os.Stderr || l.output == os.Stdout {
		return nil
	}
	err := l.output.Close()
	l.output = nil
	return err
}
