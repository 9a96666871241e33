package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/logging"
	"github.com/rescale/tarfetch/internal/manifest"
	"github.com/rescale/tarfetch/internal/retry"
)

// ErrAborted is returned by Run when the context was cancelled before every
// task settled.
var ErrAborted = errors.New("download run aborted")

// Runner drives one target to a terminal state. *retry.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, t retry.Target, obs retry.Observer) (retry.Report, error)
}

// TaskView renders one task.
type TaskView interface {
	retry.Observer
	Done(status retry.Status)
}

// Display renders the whole run. Implementations live in internal/progress.
type Display interface {
	Start(total int)
	Track(name string) TaskView
	Settled(k, n int)
	Finish(aborted bool)
}

// Summary reports the counts of one run.
type Summary struct {
	Total     int
	Succeeded int
	GaveUp    int
	Aborted   int
	Bytes     int64
	Duration  time.Duration
}

// Manager coordinates the worker pool for one run.
type Manager struct {
	runner         Runner
	display        Display
	logger         *logging.Logger
	workers        int
	outputDir      string
	failureLogPath string
	queue          *Queue
}

// Option configures a Manager.
type Option func(*Manager)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// WithOutputDir sets the directory every target name is resolved against.
func WithOutputDir(dir string) Option {
	return func(m *Manager) { m.outputDir = dir }
}

// WithDisplay sets the progress display.
func WithDisplay(d Display) Option {
	return func(m *Manager) { m.display = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithFailureLogPath names the failure log in gave-up messages.
func WithFailureLogPath(p string) Option {
	return func(m *Manager) { m.failureLogPath = p }
}

// NewManager creates a new transfer manager
func NewManager(runner Runner, opts ...Option) *Manager {
	m := &Manager{
		runner:    runner,
		display:   nopDisplay{},
		logger:    logging.Nop(),
		workers:   constants.DefaultWorkers,
		outputDir: constants.DefaultOutputDir,
		queue:     NewQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.workers < 1 {
		m.workers = 1
	}
	return m
}

// Queue exposes the task tracker of the current run.
func (m *Manager) Queue() *Queue {
	return m.queue
}

// LocalPath returns where a target name is stored.
func (m *Manager) LocalPath(name string) string {
	return filepath.Join(m.outputDir, filepath.FromSlash(name))
}

// Run downloads every target through a pool of m.workers goroutines. Tasks
// complete in no particular order.
//
// Cancelling ctx stops dispatch, aborts in-flight attempts and backoff sleeps,
// waits for the workers and returns ErrAborted. A failure log write error or a
// worker panic cancels the pool the same way and is returned as is.
func (m *Manager) Run(ctx context.Context, targets []manifest.Target) (Summary, error) {
	start := time.Now()
	n := len(targets)
	m.display.Start(n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, tgt := range targets {
		task := m.queue.Track(tgt.Name, tgt.URL, m.LocalPath(tgt.Name))
		if gctx.Err() != nil {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return m.work(gctx, task, n)
		})
	}

	err := g.Wait()
	m.queue.CancelPending()

	summary := m.summarize(time.Since(start))
	aborted := err != nil || ctx.Err() != nil || summary.Aborted > 0
	m.display.Finish(aborted)

	if err != nil {
		return summary, err
	}
	if ctx.Err() != nil {
		return summary, ErrAborted
	}
	return summary, nil
}

func (m *Manager) work(ctx context.Context, task *Task, total int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.queue.Settle(task, TaskCancelled, 0, 0, nil)
			err = fmt.Errorf("panic while downloading %s: %v", task.Name, r)
		}
	}()

	view := m.display.Track(task.Name)
	obs := &taskObserver{task: task, view: view, logger: m.logger}

	report, runErr := m.runner.Run(ctx, retry.Target{
		Name:      task.Name,
		URL:       task.URL,
		LocalPath: task.Dest,
	}, obs)
	view.Done(report.Status)

	var state TaskState
	switch report.Status {
	case retry.Success:
		state = TaskCompleted
	case retry.Exhausted:
		state = TaskFailed
	default:
		state = TaskCancelled
	}
	k := m.queue.Settle(task, state, report.Attempts, report.Last.Size, report.Last.Err)
	m.display.Settled(k, total)

	progress := fmt.Sprintf("[%d/%d]", k, total)
	switch report.Status {
	case retry.Success:
		ev := m.logger.Info().Str("file", task.Name).Int("attempts", report.Attempts)
		if report.Last.Size > 0 {
			ev = ev.Str("size", humanize.IBytes(uint64(report.Last.Size)))
		}
		ev.Msgf("%s Downloaded %s", progress, task.Name)
	case retry.Exhausted:
		m.logger.Error().Str("file", task.Name).Int("attempts", report.Attempts).
			Str("failure_log", m.failureLogPath).
			Msgf("%s Failed to download %s after %d attempts", progress, task.Name, report.Attempts)
	default:
		m.logger.Debug().Str("file", task.Name).Msgf("%s Interrupted %s", progress, task.Name)
	}

	return runErr
}

func (m *Manager) summarize(d time.Duration) Summary {
	s := Summary{Duration: d}
	for _, t := range m.queue.GetTasks() {
		s.Total++
		switch t.State {
		case TaskCompleted:
			s.Succeeded++
			s.Bytes += t.Bytes
		case TaskFailed:
			s.GaveUp++
		default:
			s.Aborted++
		}
	}
	return s
}

// taskObserver feeds both the tracker and the display.
type taskObserver struct {
	task   *Task
	view   TaskView
	logger *logging.Logger
}

func (o *taskObserver) Begin(offset, total int64) {
	o.task.BeginAttempt(offset, total)
	ev := o.logger.Info().Str("file", o.task.Name).Int("attempt", o.task.GetAttempt())
	if offset > 0 {
		ev = ev.Int64("resume_from", offset)
	}
	if total >= 0 {
		ev = ev.Int64("total", total)
	}
	ev.Msg("Downloading")
	o.view.Begin(offset, total)
}

func (o *taskObserver) Advance(n int) {
	o.task.AddBytes(n)
	o.view.Advance(n)
}

func (o *taskObserver) Retrying(attempt int, wait time.Duration, err error) {
	o.task.Retry(attempt, err)
	o.view.Retrying(attempt, wait, err)
}

type nopDisplay struct{}

func (nopDisplay) Start(int)             {}
func (nopDisplay) Track(string) TaskView { return nopView{} }
func (nopDisplay) Settled(int, int)      {}
func (nopDisplay) Finish(bool)           {}

type nopView struct{}

func (nopView) Begin(int64, int64)                 {}
func (nopView) Advance(int)                        {}
func (nopView) Retrying(int, time.Duration, error) {}
func (nopView) Done(retry.Status)                  {}
