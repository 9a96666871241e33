// Package progress renders download progress on the terminal: an mpb
// multi-bar view, a single progressbar/v3 bar, or nothing beyond log lines.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/retry"
	"github.com/rescale/tarfetch/internal/transfer"
)

// Display modes.
const (
	ModeAuto   = "auto"
	ModeBars   = "bars"
	ModeSimple = "simple"
	ModeNone   = "none"
)

// UI is a transfer.Display that also owns the stream log lines must go
// through so they do not tear the bars.
type UI interface {
	transfer.Display
	Writer() io.Writer
}

// New builds the UI for mode on out. Auto picks bars when out is a terminal
// and none otherwise.
func New(mode string, out *os.File) (UI, error) {
	isTerminal := term.IsTerminal(int(out.Fd()))
	switch ResolveMode(mode, isTerminal) {
	case ModeBars:
		if isTerminal {
			enableANSI(out)
		}
		return NewBarsUI(out), nil
	case ModeSimple:
		return NewSimpleUI(out), nil
	case ModeNone:
		return NewNone(out), nil
	default:
		return nil, fmt.Errorf("unknown progress mode %q", mode)
	}
}

// ResolveMode maps auto to a concrete mode.
func ResolveMode(mode string, isTerminal bool) string {
	if mode == "" || mode == ModeAuto {
		if isTerminal {
			return ModeBars
		}
		return ModeNone
	}
	return mode
}

// SimpleUI is a single overall file-count bar.
type SimpleUI struct {
	out io.Writer
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewSimpleUI creates a single-bar display writing to out.
func NewSimpleUI(out io.Writer) *SimpleUI {
	return &SimpleUI{out: out}
}

// Start creates the bar.
func (u *SimpleUI) Start(total int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Downloading"),
		progressbar.OptionSetWriter(u.out),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(constants.ProgressThrottle),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(u.out, "\n")
		}),
	)
}

// Track returns a view that ignores per-file detail.
func (u *SimpleUI) Track(string) transfer.TaskView { return quietView{} }

// Settled moves the bar to k.
func (u *SimpleUI) Settled(k, n int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.bar != nil {
		_ = u.bar.Set(k)
	}
}

// Finish completes the bar, or leaves it where it stopped when aborted.
func (u *SimpleUI) Finish(aborted bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.bar == nil {
		return
	}
	if aborted {
		_ = u.bar.Exit()
		fmt.Fprint(u.out, "\n")
		return
	}
	_ = u.bar.Finish()
}

// Writer clears the bar before each log line. The bar redraws on its next update.
func (u *SimpleUI) Writer() io.Writer {
	return clearingWriter{ui: u}
}

type clearingWriter struct {
	ui *SimpleUI
}

func (w clearingWriter) Write(p []byte) (int, error) {
	w.ui.mu.Lock()
	defer w.ui.mu.Unlock()
	if w.ui.bar != nil {
		_ = w.ui.bar.Clear()
	}
	return w.ui.out.Write(p)
}

// None draws nothing; log lines carry all progress information.
type None struct {
	out io.Writer
}

// NewNone creates a display that only passes log output through.
func NewNone(out io.Writer) *None {
	return &None{out: out}
}

func (*None) Start(int)                      {}
func (*None) Track(string) transfer.TaskView { return quietView{} }
func (*None) Settled(int, int)               {}
func (*None) Finish(bool)                    {}
func (n *None) Writer() io.Writer            { return n.out }

type quietView struct{}

func (quietView) Begin(int64, int64)                 {}
func (quietView) Advance(int)                        {}
func (quietView) Retrying(int, time.Duration, error) {}
func (quietView) Done(retry.Status)                  {}

// truncatePath shortens name to at most width runes, keeping the end,
// which holds the file name.
func truncatePath(name string, width int) string {
	r := []rune(name)
	if width <= 1 || len(r) <= width {
		return name
	}
	return "…" + strings.TrimLeft(string(r[len(r)-(width-1):]), "/")
}
