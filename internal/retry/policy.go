// Package retry drives one target through repeated fetch attempts with
// exponential backoff until it succeeds or its retry budget is spent.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/rescale/tarfetch/internal/fetch"
)

// Phase is the state of a Machine.
type Phase int

const (
	// Attempting means another attempt is due. Machine.Attempt says which.
	Attempting Phase = iota
	// Succeeded is terminal: an attempt returned Completed or AlreadyComplete.
	Succeeded
	// GaveUp is terminal: MaxRetries+1 attempts all failed.
	GaveUp
)

func (p Phase) String() string {
	switch p {
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case GaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Machine is the explicit Attempting(n) → Succeeded | Attempting(n+1) | GaveUp
// state machine. Attempts are numbered from 1.
type Machine struct {
	maxRetries int
	attempt    int
	phase      Phase
}

// NewMachine returns a machine in Attempting(1).
func NewMachine(maxRetries int) *Machine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Machine{maxRetries: maxRetries, attempt: 1, phase: Attempting}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Attempt returns the number of the attempt that is due, or the last one
// made once the machine is terminal.
func (m *Machine) Attempt() int {
	return m.attempt
}

// Observe feeds the outcome of the current attempt and returns the new phase.
// Observing a terminal machine is a no-op.
func (m *Machine) Observe(o fetch.Outcome) Phase {
	if m.phase != Attempting {
		return m.phase
	}
	switch {
	case o.OK():
		m.phase = Succeeded
	case m.attempt > m.maxRetries:
		m.phase = GaveUp
	default:
		m.attempt++
	}
	return m.phase
}

// Backoff returns the wait before the attempt after failure number n (n >= 1):
// factor * 2^(n-1), saturating at the largest Duration. No jitter.
func Backoff(factor time.Duration, n int) time.Duration {
	if n < 1 || factor <= 0 {
		return 0
	}
	shift := uint(n - 1)
	if shift >= 63 || factor > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return factor << shift
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
