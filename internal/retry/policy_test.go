package retry

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rescale/tarfetch/internal/fetch"
)

func TestBackoff(t *testing.T) {
	factor := 500 * time.Millisecond
	want := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		256 * time.Second,
	}
	for i, n := range []int{1, 2, 3, 4, 10} {
		if got := Backoff(factor, n); got != want[i] {
			t.Errorf("Backoff(%s, %d) = %s, want %s", factor, n, got, want[i])
		}
	}
	if Backoff(factor, 0) != 0 {
		t.Error("Backoff(n=0) should be 0")
	}
	if Backoff(0, 3) != 0 {
		t.Error("Backoff with zero factor should be 0")
	}

	// Large attempt counts saturate instead of wrapping to zero or negative.
	prev := Backoff(factor, 30)
	for _, n := range []int{35, 36, 37, 63, 64, 65, 200} {
		got := Backoff(factor, n)
		if got < prev {
			t.Errorf("Backoff(%s, %d) = %s, smaller than previous %s", factor, n, got, prev)
		}
		prev = got
	}
	if got := Backoff(factor, 36); got != time.Duration(math.MaxInt64) {
		t.Errorf("Backoff(%s, 36) = %s, want saturation", factor, got)
	}
	if got := Backoff(time.Nanosecond, 64); got != time.Duration(math.MaxInt64) {
		t.Errorf("Backoff(1ns, 64) = %s, want saturation", got)
	}
}

func TestMachine_Transitions(t *testing.T) {
	m := NewMachine(2)
	if m.Phase() != Attempting || m.Attempt() != 1 {
		t.Fatalf("initial = %s/%d", m.Phase(), m.Attempt())
	}
	if p := m.Observe(fetch.Failed); p != Attempting || m.Attempt() != 2 {
		t.Fatalf("after 1 failure = %s/%d", p, m.Attempt())
	}
	if p := m.Observe(fetch.Failed); p != Attempting || m.Attempt() != 3 {
		t.Fatalf("after 2 failures = %s/%d", p, m.Attempt())
	}
	if p := m.Observe(fetch.Failed); p != GaveUp || m.Attempt() != 3 {
		t.Fatalf("after 3 failures = %s/%d", p, m.Attempt())
	}
	// Terminal states absorb further observations.
	if p := m.Observe(fetch.Completed); p != GaveUp {
		t.Errorf("terminal machine moved to %s", p)
	}

	m = NewMachine(0)
	if p := m.Observe(fetch.Failed); p != GaveUp {
		t.Errorf("zero retries: %s, want gave_up", p)
	}

	m = NewMachine(5)
	m.Observe(fetch.Failed)
	if p := m.Observe(fetch.AlreadyComplete); p != Succeeded || m.Attempt() != 2 {
		t.Errorf("already_complete = %s/%d, want succeeded/2", p, m.Attempt())
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep error = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep ignored cancellation")
	}
	if err := Sleep(context.Background(), 5*time.Millisecond); err != nil {
		t.Errorf("Sleep error = %v", err)
	}
}

// scriptedAttempter returns outcomes in order, repeating the last one.
type scriptedAttempter struct {
	mu       sync.Mutex
	outcomes []fetch.Outcome
	calls    int
	onCall   func(n int)
}

func (s *scriptedAttempter) Fetch(ctx context.Context, url, localPath string, progress fetch.Progress) fetch.Result {
	s.mu.Lock()
	s.calls++
	n := s.calls
	o := s.outcomes[len(s.outcomes)-1]
	if n <= len(s.outcomes) {
		o = s.outcomes[n-1]
	}
	s.mu.Unlock()
	if s.onCall != nil {
		s.onCall(n)
	}
	res := fetch.Result{Outcome: o, Total: -1}
	if o == fetch.Failed {
		res.StatusCode = 503
		res.Err = &fetch.StatusError{Code: 503}
	}
	return res
}

type memRecorder struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (r *memRecorder) Append(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.names = append(r.names, name)
	return nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type retryCounter struct {
	nopObserver
	attempts []int
}

func (r *retryCounter) Retrying(attempt int, _ time.Duration, _ error) {
	r.attempts = append(r.attempts, attempt)
}

var target = Target{Name: "a.tar", URL: "http://example.invalid/a.tar", LocalPath: "raw/a.tar"}

// TestRunner_GivesUpAfterBudget verifies the attempt bound, the backoff
// schedule, and a single failure log entry.
func TestRunner_GivesUpAfterBudget(t *testing.T) {
	att := &scriptedAttempter{outcomes: []fetch.Outcome{fetch.Failed}}
	rec := &memRecorder{}
	sl := &sleepRecorder{}
	obs := &retryCounter{}

	r := NewRunner(att, rec, WithMaxRetries(3), WithBackoffFactor(500*time.Millisecond), WithSleep(sl.sleep))
	rep, err := r.Run(context.Background(), target, obs)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if rep.Status != Exhausted {
		t.Errorf("Status = %s, want gave_up", rep.Status)
	}
	if att.calls != 4 || rep.Attempts != 4 {
		t.Errorf("calls = %d, Attempts = %d, want 4", att.calls, rep.Attempts)
	}
	wantWaits := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	if len(sl.waits) != len(wantWaits) {
		t.Fatalf("waits = %v, want %v", sl.waits, wantWaits)
	}
	for i := range wantWaits {
		if sl.waits[i] != wantWaits[i] {
			t.Errorf("wait[%d] = %s, want %s", i, sl.waits[i], wantWaits[i])
		}
	}
	if len(rec.names) != 1 || rec.names[0] != "a.tar" {
		t.Errorf("failure log = %v, want [a.tar]", rec.names)
	}
	if len(obs.attempts) != 3 || obs.attempts[0] != 2 || obs.attempts[2] != 4 {
		t.Errorf("Retrying attempts = %v, want [2 3 4]", obs.attempts)
	}
	var se *fetch.StatusError
	if !errors.As(rep.Last.Err, &se) || se.Code != 503 {
		t.Errorf("Last.Err = %v", rep.Last.Err)
	}
}

func TestRunner_SuccessAfterFailures(t *testing.T) {
	att := &scriptedAttempter{outcomes: []fetch.Outcome{fetch.Failed, fetch.Failed, fetch.Completed}}
	rec := &memRecorder{}
	sl := &sleepRecorder{}

	r := NewRunner(att, rec, WithSleep(sl.sleep))
	rep, err := r.Run(context.Background(), target, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != Success || rep.Attempts != 3 {
		t.Errorf("Status = %s, Attempts = %d", rep.Status, rep.Attempts)
	}
	if len(rec.names) != 0 {
		t.Errorf("failure log = %v, want empty", rec.names)
	}
	if len(sl.waits) != 2 {
		t.Errorf("waits = %v", sl.waits)
	}
}

func TestRunner_AlreadyCompleteNoSleep(t *testing.T) {
	att := &scriptedAttempter{outcomes: []fetch.Outcome{fetch.AlreadyComplete}}
	sl := &sleepRecorder{}
	r := NewRunner(att, &memRecorder{}, WithSleep(sl.sleep))
	rep, _ := r.Run(context.Background(), target, nil)
	if rep.Status != Success || att.calls != 1 || len(sl.waits) != 0 {
		t.Errorf("Status = %s, calls = %d, waits = %v", rep.Status, att.calls, sl.waits)
	}
}

// TestRunner_CancelDuringBackoff verifies an interrupt ends the target
// without recording it as a failure.
func TestRunner_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	att := &scriptedAttempter{outcomes: []fetch.Outcome{fetch.Failed}}
	rec := &memRecorder{}
	r := NewRunner(att, rec, WithBackoffFactor(time.Hour))

	done := make(chan Report, 1)
	go func() {
		rep, _ := r.Run(ctx, target, nil)
		done <- rep
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case rep := <-done:
		if rep.Status != Aborted {
			t.Errorf("Status = %s, want aborted", rep.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if att.calls != 1 {
		t.Errorf("calls = %d, want 1", att.calls)
	}
	if len(rec.names) != 0 {
		t.Errorf("failure log = %v, want empty", rec.names)
	}
}

// TestRunner_CancelDuringAttempt verifies a failed attempt caused by
// cancellation is not retried or recorded.
func TestRunner_CancelDuringAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	att := &scriptedAttempter{
		outcomes: []fetch.Outcome{fetch.Failed},
		onCall:   func(int) { cancel() },
	}
	rec := &memRecorder{}
	sl := &sleepRecorder{}
	r := NewRunner(att, rec, WithMaxRetries(0), WithSleep(sl.sleep))

	rep, err := r.Run(ctx, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != Aborted || len(rec.names) != 0 || len(sl.waits) != 0 {
		t.Errorf("Status = %s, log = %v, waits = %v", rep.Status, rec.names, sl.waits)
	}
}

func TestRunner_RecorderErrorIsReturned(t *testing.T) {
	att := &scriptedAttempter{outcomes: []fetch.Outcome{fetch.Failed}}
	rec := &memRecorder{err: errors.New("disk full")}
	r := NewRunner(att, rec, WithMaxRetries(0))

	rep, err := r.Run(context.Background(), target, nil)
	if err == nil {
		t.Fatal("expected error from recorder")
	}
	if rep.Status != Exhausted {
		t.Errorf("Status = %s", rep.Status)
	}
}
