package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/fetch"
	inthttp "github.com/rescale/tarfetch/internal/http"
	"github.com/rescale/tarfetch/internal/logging"
)

// Status is the terminal state of one target.
type Status int

const (
	// Success: some attempt returned Completed or AlreadyComplete.
	Success Status = iota
	// Exhausted: every attempt failed. The name was appended to the failure log.
	Exhausted
	// Aborted: the run was cancelled before the target settled. Nothing recorded.
	Aborted
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Exhausted:
		return "gave_up"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Attempter makes one download attempt. *fetch.Fetcher satisfies it.
type Attempter interface {
	Fetch(ctx context.Context, url, localPath string, progress fetch.Progress) fetch.Result
}

// Recorder durably records a target that gave up. *failurelog.Log satisfies it.
type Recorder interface {
	Append(name string) error
}

// Observer follows one target across attempts.
type Observer interface {
	fetch.Progress
	Retrying(attempt int, wait time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) Begin(int64, int64)                 {}
func (nopObserver) Advance(int)                        {}
func (nopObserver) Retrying(int, time.Duration, error) {}

// Target is one unit of work.
type Target struct {
	Name      string
	URL       string
	LocalPath string
}

// Report is what Run learned about a target.
type Report struct {
	Status   Status
	Attempts int
	Last     fetch.Result
}

// Runner applies the retry policy around an Attempter.
type Runner struct {
	attempter     Attempter
	recorder      Recorder
	logger        *logging.Logger
	maxRetries    int
	backoffFactor time.Duration
	sleep         SleepFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxRetries sets how many retries follow the first attempt.
func WithMaxRetries(n int) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

// WithBackoffFactor sets the base of the exponential backoff.
func WithBackoffFactor(d time.Duration) RunnerOption {
	return func(r *Runner) { r.backoffFactor = d }
}

// WithSleep replaces the backoff sleep. Tests use it to skip real waits.
func WithSleep(fn SleepFunc) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a Runner with the default budget of
// constants.MaxRetries retries and a constants.BackoffFactor base.
func NewRunner(attempter Attempter, recorder Recorder, opts ...RunnerOption) *Runner {
	r := &Runner{
		attempter:     attempter,
		recorder:      recorder,
		logger:        logging.Nop(),
		maxRetries:    constants.MaxRetries,
		backoffFactor: constants.BackoffFactor,
		sleep:         Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run drives t to a terminal state. The returned error is non-nil only when
// the failure log could not be written, which callers treat as fatal.
func (r *Runner) Run(ctx context.Context, t Target, obs Observer) (Report, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	m := NewMachine(r.maxRetries)
	rep := Report{Status: Aborted}

	for m.Phase() == Attempting {
		if ctx.Err() != nil {
			return rep, nil
		}

		n := m.Attempt()
		res := r.attempter.Fetch(ctx, t.URL, t.LocalPath, obs)
		rep.Attempts = n
		rep.Last = res

		if !res.Outcome.OK() && ctx.Err() != nil {
			r.logger.Debug().Str("file", t.Name).Int("attempt", n).Msg("Attempt interrupted")
			return rep, nil
		}

		if res.Restarted {
			r.logger.Warn().Str("file", t.Name).Int64("discarded", res.Offset).
				Msg("Server ignored range request; restarted from byte 0")
		}

		switch m.Observe(res.Outcome) {
		case Succeeded:
			rep.Status = Success
			r.logger.Debug().Str("file", t.Name).Str("outcome", res.Outcome.String()).
				Int("attempt", n).Int64("size", res.Size).Msg("Download finished")
			return rep, nil

		case GaveUp:
			rep.Status = Exhausted
			r.logger.Error().Err(res.Err).Str("file", t.Name).Int("attempts", n).
				Str("error_type", inthttp.ErrorTypeName(inthttp.ClassifyError(res.Err))).
				Msg("Giving up")
			if err := r.recorder.Append(t.Name); err != nil {
				return rep, fmt.Errorf("failed to record %s in failure log: %w", t.Name, err)
			}
			return rep, nil

		case Attempting:
			wait := Backoff(r.backoffFactor, n)
			r.logger.Warn().Err(res.Err).Str("file", t.Name).
				Int("attempt", n).Int("max_attempts", r.maxRetries+1).
				Int("status", res.StatusCode).
				Str("error_type", inthttp.ErrorTypeName(inthttp.ClassifyError(res.Err))).
				Dur("backoff", wait).
				Msg("Attempt failed, retrying")
			obs.Retrying(n+1, wait, res.Err)
			if err := r.sleep(ctx, wait); err != nil {
				return rep, nil
			}
		}
	}
	return rep, nil
}
