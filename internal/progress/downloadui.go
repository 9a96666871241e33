package progress

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/retry"
	"github.com/rescale/tarfetch/internal/transfer"
)

// BarsUI shows an overall files bar plus one byte bar per active download
// using mpb.
type BarsUI struct {
	progress *mpb.Progress
	overall  *mpb.Bar
	bars     sync.Map // *FileBar -> struct{}
}

// NewBarsUI creates a multi-bar display writing to out.
func NewBarsUI(out io.Writer) *BarsUI {
	return &BarsUI{
		progress: mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(constants.ProgressRefreshRate),
			mpb.WithWidth(100),
			mpb.WithAutoRefresh(),
		),
	}
}

// Start adds the overall bar.
func (u *BarsUI) Start(total int) {
	if total == 0 {
		return
	}
	u.overall = u.progress.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.BarPriority(math.MaxInt),
		mpb.PrependDecorators(
			decor.Name("Overall", decor.WCSyncSpaceR),
			decor.CountersNoUnit("%d / %d files", decor.WCSyncSpace),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.Elapsed(decor.ET_STYLE_GO),
		),
	)
}

// Track returns the per-file bar of name. The mpb bar is created on the
// first attempt that starts streaming.
func (u *BarsUI) Track(name string) transfer.TaskView {
	fb := &FileBar{ui: u, name: name, label: truncatePath(name, constants.ProgressLabelWidth)}
	u.bars.Store(fb, struct{}{})
	return fb
}

// Settled moves the overall bar to k.
func (u *BarsUI) Settled(k, n int) {
	if u.overall != nil {
		u.overall.SetCurrent(int64(k))
	}
}

// Finish removes leftover bars and waits for the final render.
func (u *BarsUI) Finish(aborted bool) {
	u.bars.Range(func(key, _ any) bool {
		key.(*FileBar).abort()
		return true
	})
	if u.overall != nil && !u.overall.Completed() {
		u.overall.Abort(false)
	}
	u.progress.Wait()
}

// Writer prints above the bars.
func (u *BarsUI) Writer() io.Writer {
	return u.progress
}

// FileBar is one download's byte bar.
type FileBar struct {
	ui    *BarsUI
	name  string
	label string

	mu         sync.Mutex
	bar        *mpb.Bar
	lastUpdate time.Time
	retries    atomic.Int32
}

// Begin creates or rewinds the bar for a new attempt.
func (f *FileBar) Begin(offset, total int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	barTotal := total
	if barTotal < 0 {
		barTotal = 0
	}
	if f.bar == nil {
		f.bar = f.ui.progress.New(barTotal,
			mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					if r := f.retries.Load(); r > 0 {
						return fmt.Sprintf("%s (retry %d)", f.label, r)
					}
					return f.label
				}, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 60),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		f.bar.SetTotal(barTotal, false)
	}
	if offset > 0 {
		f.bar.SetRefill(offset)
	}
	f.bar.SetCurrent(offset)
	f.lastUpdate = time.Now()
}

// Advance feeds n streamed bytes into the EWMA speed and ETA.
func (f *FileBar) Advance(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bar == nil {
		return
	}
	now := time.Now()
	f.bar.EwmaIncrBy(n, now.Sub(f.lastUpdate))
	f.lastUpdate = now
}

// Retrying shows the retry count in the label.
func (f *FileBar) Retrying(attempt int, _ time.Duration, _ error) {
	f.retries.Store(int32(attempt - 1))
}

// Done completes the bar on success and drops it otherwise.
func (f *FileBar) Done(status retry.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ui.bars.Delete(f)
	if f.bar == nil {
		return
	}
	if status == retry.Success {
		f.bar.SetTotal(-1, true)
		return
	}
	f.bar.Abort(true)
}

func (f *FileBar) abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bar != nil && !f.bar.Completed() {
		f.bar.Abort(true)
	}
}
