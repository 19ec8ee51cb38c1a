package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var errLogClosed = errors.New("transcript: log is closed")

// Log is the append-only live transcript. Every accepted line is written to
// the file immediately; timestamps never go backwards within one Log.
type Log struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	lines  []Line
	last   time.Time
	closed bool
}

// OpenLog opens path for appending, creating parent directories. An empty
// path keeps the log in memory only.
func OpenLog(path string) (*Log, error) {
	l := &Log{path: path}
	if path == "" {
		return l, nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript: open log: %w", err)
	}
	l.f = f
	return l, nil
}

// Append writes one line. A line stamped before the previous one is
// re-stamped with the previous time. On a write error nothing is recorded.
func (l *Log) Append(line Line) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errLogClosed
	}
	if line.Time.Before(l.last) {
		line = NewLine(l.last, line.Speaker, line.Text)
	}
	if l.f != nil {
		if _, err := l.f.WriteString(line.String() + "\n"); err != nil {
			return fmt.Errorf("transcript: append: %w", err)
		}
	}
	l.last = line.Time
	l.lines = append(l.lines, line)
	return nil
}

// Lines returns a copy of everything appended so far.
func (l *Log) Lines() []Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Line(nil), l.lines...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func (l *Log) Path() string { return l.path }

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
