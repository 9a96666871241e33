// Package transfer runs the download pool and tracks the state of every
// target while it runs.
package transfer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the current state of a download task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"    // Waiting for a worker slot
	TaskActive    TaskState = "active"    // An attempt is in flight
	TaskRetrying  TaskState = "retrying"  // Backing off before the next attempt
	TaskCompleted TaskState = "completed" // File is complete on disk
	TaskFailed    TaskState = "failed"    // Retry budget exhausted, recorded in the failure log
	TaskCancelled TaskState = "cancelled" // Run was interrupted before the task settled
)

// Task is one target moving through the pool.
// Thread-safe: use the provided methods to read and update state.
type Task struct {
	ID   string
	Name string // Manifest name, also the path under the output directory
	URL  string
	Dest string // Local path

	State    TaskState
	Attempt  int   // Current or last attempt, starting at 1
	Bytes    int64 // Bytes on disk as last observed
	Total    int64 // Declared full length, -1 when unknown
	Resumed  int64 // Offset the latest attempt started from
	Error    error
	Position int // 1-based index in dispatch order

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	mu sync.RWMutex
}

// NewTask creates a task in TaskQueued state.
func NewTask(name, url, dest string, position int) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       url,
		Dest:      dest,
		State:     TaskQueued,
		Total:     -1,
		Position:  position,
		CreatedAt: time.Now(),
	}
}

// GetState returns the current state (thread-safe).
func (t *Task) GetState() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State
}

// SetState updates the task state (thread-safe).
func (t *Task) SetState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStateLocked(state)
}

func (t *Task) setStateLocked(state TaskState) {
	t.State = state
	if state == TaskActive && t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if isTerminal(state) {
		t.CompletedAt = time.Now()
	}
}

// BeginAttempt records the start of a streaming attempt.
func (t *Task) BeginAttempt(offset, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	t.Resumed = offset
	t.Bytes = offset
	t.Total = total
	t.setStateLocked(TaskActive)
}

// AddBytes accounts n streamed bytes.
func (t *Task) AddBytes(n int) {
	t.mu.Lock()
	t.Bytes += int64(n)
	t.mu.Unlock()
}

// Retry records that attempt is next, after a failure with err.
func (t *Task) Retry(attempt int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Attempt = attempt
	t.Error = err
	t.setStateLocked(TaskRetrying)
}

// Finish moves the task into a terminal state.
func (t *Task) Finish(state TaskState, attempts int, size int64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if attempts > 0 {
		t.Attempt = attempts
	}
	if size > 0 {
		t.Bytes = size
	}
	t.Error = err
	t.setStateLocked(state)
}

// GetAttempt returns the current or last attempt number (thread-safe).
func (t *Task) GetAttempt() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Attempt
}

// GetError returns the last recorded error (thread-safe).
func (t *Task) GetError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Error
}

// Clone returns a copy of the task safe for external use.
func (t *Task) Clone() Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Task{
		ID:          t.ID,
		Name:        t.Name,
		URL:         t.URL,
		Dest:        t.Dest,
		State:       t.State,
		Attempt:     t.Attempt,
		Bytes:       t.Bytes,
		Total:       t.Total,
		Resumed:     t.Resumed,
		Error:       t.Error,
		Position:    t.Position,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

// IsTerminal returns true if the task is completed, failed or cancelled.
func (t *Task) IsTerminal() bool {
	return isTerminal(t.GetState())
}

func isTerminal(state TaskState) bool {
	return state == TaskCompleted || state == TaskFailed || state == TaskCancelled
}
