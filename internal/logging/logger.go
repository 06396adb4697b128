// Package logging provides the minimal printf-style logging contract shared
// across the server. Components depend on the Logger interface so tests can
// substitute a no-op or capture sink without pulling in the file writer.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return Nop()
	}
	return logger
}

// sink is the process-wide log destination shared by component loggers.
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	file   *os.File
	level  Level
	logger *log.Logger
}

var (
	defaultSink     *sink
	defaultSinkOnce sync.Once
)

func getSink() *sink {
	defaultSinkOnce.Do(func() {
		defaultSink = &sink{out: os.Stderr, level: LevelInfo}
		defaultSink.logger = log.New(defaultSink.out, "", 0)
	})
	return defaultSink
}

// Configure sets the global level and optionally attaches a log file. It is
// called once from the CLI before any component starts; later calls replace
// the previous file.
func Configure(level Level, filePath string) error {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.level = level
	if filePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	s.out = io.MultiWriter(os.Stderr, file)
	s.logger = log.New(s.out, "", 0)
	return nil
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	if component != "" {
		s.logger.Printf("%s [%s] [%s] %s", ts, level, component, msg)
		return
	}
	s.logger.Printf("%s [%s] %s", ts, level, msg)
}

// componentLogger scopes log lines to a named component.
type componentLogger struct {
	component string
	sink      *sink
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component, sink: getSink()}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(LevelDebug, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(LevelInfo, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(LevelWarn, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(LevelError, l.component, format, args...)
}
