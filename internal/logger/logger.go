// Package logger provides the leveled logger shared by the pipeline, the HTTP
// server and the CLI.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// Logger writes info/warning/error/debug entries to stderr and, when a log
// directory is configured, to one append-only file per level.
type Logger struct {
	infoLog    *log.Logger
	warningLog *log.Logger
	errorLog   *log.Logger
	debugLog   *log.Logger
	debug      bool
	files      []*os.File
	mu         sync.Mutex
}

// Options configures a Logger.
type Options struct {
	// Dir, if set, receives info.log, warning.log and error.log.
	Dir   string
	Debug bool
}

// New creates a Logger writing to out (usually os.Stderr).
func New(out io.Writer, opts Options) (*Logger, error) {
	l := &Logger{debug: opts.Debug}

	infoW, warnW, errW := out, out, out
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var err error
		if infoW, err = l.tee(out, filepath.Join(opts.Dir, "info.log")); err != nil {
			return nil, err
		}
		if warnW, err = l.tee(out, filepath.Join(opts.Dir, "warning.log")); err != nil {
			l.Close()
			return nil, err
		}
		if errW, err = l.tee(out, filepath.Join(opts.Dir, "error.log")); err != nil {
			l.Close()
			return nil, err
		}
	}

	l.infoLog = log.New(infoW, "ℹ️  INFO    ", log.Ldate|log.Ltime)
	l.warningLog = log.New(warnW, "⚠️  WARNING ", log.Ldate|log.Ltime)
	l.errorLog = log.New(errW, "❌ ERROR   ", log.Ldate|log.Ltime)
	l.debugLog = log.New(out, "🐛 DEBUG   ", log.Ldate|log.Ltime|log.Lshortfile)
	return l, nil
}

// Discard returns a Logger that drops everything. Used by tests.
func Discard() *Logger {
	l, _ := New(io.Discard, Options{})
	return l
}

func (l *Logger) tee(out io.Writer, path string) (io.Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	l.files = append(l.files, f)
	return io.MultiWriter(out, f), nil
}

// Info writes a formatted info-level entry.
func (l *Logger) Info(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLog.Printf(format, v...)
}

// Warning writes a formatted warning-level entry.
func (l *Logger) Warning(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningLog.Printf(format, v...)
}

// Error writes a formatted error-level entry.
func (l *Logger) Error(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLog.Printf(format, v...)
}

// Debug writes only when the logger was created with Debug enabled.
func (l *Logger) Debug(format string, v ...any) {
	if !l.debug {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLog.Output(2, fmt.Sprintf(format, v...))
}

// Close releases the per-level log files.
func (l *Logger) Close() {
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}
