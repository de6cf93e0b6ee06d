// logger.go - Structured logging for the pool daemon
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger bundles the process logger with the audit sink.
type Logger struct {
	zerolog.Logger
	audit zerolog.Logger
	files []*os.File
}

// NewLogger writes to the console and, when logFile is set, to that file. Entries at warn and
// above, together with explicit audit events, also go to auditFile.
func NewLogger(level, logFile, auditFile string) (*Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	l := &Logger{audit: zerolog.Nop()}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}}

	if logFile != "" {
		file, err := l.open(logFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writers = append(writers, file)
	}

	if auditFile != "" {
		file, err := l.open(auditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.audit = zerolog.New(file).With().Timestamp().Str("sink", "audit").Logger()
		writers = append(writers, warnLevelWriter{file})
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(lvl).With().Timestamp().Logger()
	return l, nil
}

func (l *Logger) open(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	l.files = append(l.files, file)
	return file, nil
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

// Audit starts an audit event.
func (l *Logger) Audit(event string) *zerolog.Event {
	return l.audit.Log().Str("event", event)
}

// warnLevelWriter forwards warnings and errors only.
type warnLevelWriter struct {
	io.Writer
}

func (w warnLevelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < zerolog.WarnLevel {
		return len(p), nil
	}
	return w.Write(p)
}
