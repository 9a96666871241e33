// Package failurelog records targets that exhausted their retry budget.
//
// The file is append-only and never truncated: it accumulates across runs
// and operators rotate it themselves. Its format is the retry selection
// format, so a copy of it can drive the next run.
package failurelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log is safe for concurrent use. Each Append opens the file, issues a
// single write of one complete line, and closes it again, so entries from
// concurrent writers (including other processes) never interleave.
type Log struct {
	path string
	mu   sync.Mutex
}

// New returns a Log appending to path. The file is created on first Append.
func New(path string) *Log {
	return &Log{path: path}
}

// Path returns the file the log appends to.
func (l *Log) Path() string {
	return l.path
}

// Append records one target name.
func (l *Log) Append(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create failure log directory: %w", err)
		}
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open failure log: %w", err)
	}

	if _, err := f.Write([]byte(name + "\n")); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to failure log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close failure log: %w", err)
	}
	return nil
}
