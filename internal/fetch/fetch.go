// Package fetch performs single resumable download attempts.
//
// A Fetcher looks at how many bytes of a target are already on disk, asks
// its Source for the remainder, appends what arrives and classifies the
// attempt as Completed, AlreadyComplete or Failed. It never retries; that is
// the caller's job. Partial bytes are never rolled back, so the next attempt
// resumes where this one stopped.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/diskspace"
	"github.com/rescale/tarfetch/internal/util/buffers"
)

// Outcome classifies a single attempt.
type Outcome int

const (
	// Completed means the body was streamed and the file reached its declared
	// length, or no length was declared.
	Completed Outcome = iota
	// AlreadyComplete means the server answered 416: nothing left to fetch.
	AlreadyComplete
	// Failed means the attempt should be retried. Result.Err says why.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case AlreadyComplete:
		return "already_complete"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// OK reports whether the outcome ends the target successfully.
func (o Outcome) OK() bool {
	return o == Completed || o == AlreadyComplete
}

// Result describes one attempt.
type Result struct {
	Outcome    Outcome
	StatusCode int   // 0 when no response was received
	Offset     int64 // bytes on disk when the attempt started
	Written    int64 // bytes appended by this attempt
	Size       int64 // bytes on disk when the attempt ended
	Total      int64 // declared full length, -1 when unknown
	Restarted  bool  // server ignored the range; file was rewritten from byte 0
	Err        error
}

// ErrStalled is the cause of an attempt cancelled because the body stopped
// producing bytes.
var ErrStalled = errors.New("transfer stalled")

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// HTTPStatus exposes the code to error classifiers.
func (e *StatusError) HTTPStatus() int {
	return e.Code
}

// TruncatedError means the stream ended cleanly before the declared length.
type TruncatedError struct {
	Have, Want int64
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("stream truncated: have %d of %d bytes", e.Have, e.Want)
}

// RangeMismatchError means a 206 response started somewhere other than the
// requested offset. Appending it would corrupt the file.
type RangeMismatchError struct {
	Want, Got int64
}

func (e *RangeMismatchError) Error() string {
	return fmt.Sprintf("server resumed at byte %d, requested %d", e.Got, e.Want)
}

// Progress receives byte-level progress for one target. Begin is called once
// per attempt that starts streaming.
type Progress interface {
	Begin(offset, total int64)
	Advance(n int)
}

type nopProgress struct{}

func (nopProgress) Begin(int64, int64) {}
func (nopProgress) Advance(int)        {}

// Fetcher runs download attempts against a Source. Safe for concurrent use
// by multiple workers as long as they fetch different local paths.
type Fetcher struct {
	source       Source
	limiter      *rate.Limiter
	stallTimeout time.Duration
	checkSpace   bool
	chunkSize    int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithRateLimit caps the combined throughput of every attempt made through
// this Fetcher. bytesPerSec <= 0 means unlimited.
func WithRateLimit(bytesPerSec int64) Option {
	return func(f *Fetcher) {
		if bytesPerSec <= 0 {
			f.limiter = nil
			return
		}
		burst := int(bytesPerSec)
		if burst < f.chunkSize {
			burst = f.chunkSize
		}
		f.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
}

// WithStallTimeout abandons an attempt whose body yields nothing for d.
// Zero disables the watchdog.
func WithStallTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.stallTimeout = d }
}

// WithDiskSpaceCheck toggles the free-space pre-flight.
func WithDiskSpaceCheck(enabled bool) Option {
	return func(f *Fetcher) { f.checkSpace = enabled }
}

// New creates a Fetcher.
func New(source Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:       source,
		stallTimeout: constants.HTTPStallTimeout,
		checkSpace:   true,
		chunkSize:    constants.StreamChunkSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch makes one attempt to bring localPath up to date with url.
func (f *Fetcher) Fetch(ctx context.Context, url, localPath string, progress Progress) Result {
	if progress == nil {
		progress = nopProgress{}
	}
	res := Result{Outcome: Failed, Total: -1}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		res.Err = fmt.Errorf("failed to create directory: %w", err)
		return res
	}

	current, err := fileSize(localPath)
	if err != nil {
		res.Err = err
		return res
	}
	res.Offset = current
	res.Size = current

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	resp, err := f.source.Open(attemptCtx, url, current)
	if err != nil {
		res.Err = err
		return res
	}
	defer resp.Body.Close()
	res.StatusCode = resp.StatusCode

	switch resp.StatusCode {
	case 416:
		res.Outcome = AlreadyComplete
		return res
	case 200, 206:
	default:
		res.Err = &StatusError{Code: resp.StatusCode}
		return res
	}

	resume := current > 0 && resp.StatusCode == 206
	if resume && resp.RangeStart >= 0 && resp.RangeStart != current {
		res.Err = &RangeMismatchError{Want: current, Got: resp.RangeStart}
		return res
	}
	start := int64(0)
	if resume {
		start = current
	}
	res.Restarted = current > 0 && !resume

	if resp.ContentLength >= 0 {
		res.Total = start + resp.ContentLength
		if f.checkSpace {
			if err := diskspace.CheckAvailableSpace(localPath, resp.ContentLength, constants.DiskSpaceSafetyMargin); err != nil {
				res.Err = err
				return res
			}
		}
	}

	flags := os.O_WRONLY | os.O_CREATE
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(localPath, flags, 0644)
	if err != nil {
		res.Err = fmt.Errorf("failed to open %s: %w", localPath, err)
		return res
	}

	progress.Begin(start, res.Total)

	var watchdog *stallWatchdog
	if f.stallTimeout > 0 {
		watchdog = newStallWatchdog(f.stallTimeout, cancel)
	}
	written, streamErr := f.stream(attemptCtx, file, resp.Body, progress, watchdog)
	watchdog.stop()
	closeErr := file.Close()

	res.Written = written
	if size, err := fileSize(localPath); err == nil {
		res.Size = size
	} else {
		res.Size = start + written
	}

	if streamErr != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), ErrStalled) {
			streamErr = fmt.Errorf("%w: no data for %s", ErrStalled, f.stallTimeout)
		}
		res.Err = streamErr
		return res
	}
	if closeErr != nil {
		res.Err = fmt.Errorf("failed to close %s: %w", localPath, closeErr)
		return res
	}
	if res.Total >= 0 && res.Size < res.Total {
		res.Err = &TruncatedError{Have: res.Size, Want: res.Total}
		return res
	}

	res.Outcome = Completed
	return res
}

// stream copies body to file in fixed-size chunks, one write per non-empty read.
func (f *Fetcher) stream(ctx context.Context, file *os.File, body io.Reader, progress Progress, watchdog *stallWatchdog) (int64, error) {
	bufPtr := buffers.GetStreamBuffer()
	defer buffers.PutStreamBuffer(bufPtr)
	buf := (*bufPtr)[:f.chunkSize]
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			watchdog.kick()
			if f.limiter != nil {
				if err := f.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
				watchdog.kick()
			}
			if _, err := file.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write: %w", err)
			}
			written += int64(n)
			progress.Advance(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

// stallWatchdog cancels an attempt when kick is not called for d.
// A nil watchdog is inert.
type stallWatchdog struct {
	d     time.Duration
	timer *time.Timer
}

func newStallWatchdog(d time.Duration, cancel context.CancelCauseFunc) *stallWatchdog {
	return &stallWatchdog{
		d:     d,
		timer: time.AfterFunc(d, func() { cancel(ErrStalled) }),
	}
}

func (w *stallWatchdog) kick() {
	if w != nil {
		w.timer.Reset(w.d)
	}
}

func (w *stallWatchdog) stop() {
	if w != nil {
		w.timer.Stop()
	}
}
