// Package logging provides the append-only structured log (component H in
// SPEC_FULL.md §2) that every other component writes through, plus a
// bounded tail-read for surfacing recent lines without loading the whole
// file into memory.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// tailSeekThreshold is the file size above which TailLines seeks backward
// instead of scanning from the start.
const tailSeekThreshold = 10 * 1024 * 1024 // 10 MiB

// tailSeekWindow is how far back from the end TailLines seeks once a file
// crosses tailSeekThreshold.
const tailSeekWindow = 500 * 1024 // 500 KiB

// Logger wraps a zerolog.Logger writing newline-delimited JSON to an
// append-only file, and exposes job/connection scoped child loggers.
type Logger struct {
	zl   zerolog.Logger
	file *os.File
	path string
}

// Open creates or appends to the log file at path and returns a Logger
// writing to it.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	zl := zerolog.New(f).With().Timestamp().Logger()
	return &Logger{zl: zl, file: f, path: path}, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// WithJob returns a child logger that stamps every line with job_id.
func (l *Logger) WithJob(jobID string) *Logger {
	child := *l
	child.zl = l.zl.With().Str("job_id", jobID).Logger()
	return &child
}

// WithConnection returns a child logger that stamps every line with conn_id.
func (l *Logger) WithConnection(connID string) *Logger {
	child := *l
	child.zl = l.zl.With().Str("conn_id", connID).Logger()
	return &child
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *zerolog.Event { return l.zl.Debug() }

// Info starts an info-level event.
func (l *Logger) Info() *zerolog.Event { return l.zl.Info() }

// Warn starts a warn-level event.
func (l *Logger) Warn() *zerolog.Event { return l.zl.Warn() }

// Error starts an error-level event.
func (l *Logger) Error() *zerolog.Event { return l.zl.Error() }

// TailLines returns the last n lines of the log file. Files larger than
// tailSeekThreshold are read from tailSeekWindow bytes before the end
// rather than scanned from the start, per SPEC_FULL.md §6.
func (l *Logger) TailLines(n int) ([]string, error) {
	return TailLines(l.path, n)
}

// TailLines reads the last n lines of the file at path.
func TailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log file %s: %w", path, err)
	}

	var start int64
	if info.Size() > tailSeekThreshold {
		start = info.Size() - tailSeekWindow
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seeking log file %s: %w", path, err)
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading log file %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if start > 0 && len(lines) > 0 {
		// The seek likely landed mid-line; drop the partial first line.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
