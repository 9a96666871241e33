package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rescale/tarfetch/internal/config"
	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/logging"
)

// TestRootCmd_CpusAlias verifies --cpus sets the worker count.
func TestRootCmd_CpusAlias(t *testing.T) {
	cmd := NewRootCmd()
	if err := cmd.ParseFlags([]string{"--cpus", "4"}); err != nil {
		t.Fatal(err)
	}
	n, err := cmd.Flags().GetInt("workers")
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("workers = %d, want 4", n)
	}
}

func TestRootCmd_RejectsArgs(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"extra"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected error for positional argument")
	}
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
	ch    chan int
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{ch: make(chan int, 1)}
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	e.codes = append(e.codes, code)
	e.mu.Unlock()
	e.ch <- code
}

// TestWatchSignals_SecondSignalExits verifies the first signal cancels and
// the second forces exit 130.
func TestWatchSignals_SecondSignalExits(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newExitRecorder()
	var out bytes.Buffer

	go watchSignals(sigs, done, cancel, time.Hour, &out, rec.exit)

	sigs <- syscall.SIGINT
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("first signal did not cancel")
	}
	sigs <- syscall.SIGINT
	select {
	case code := <-rec.ch:
		if code != constants.ExitInterrupted {
			t.Errorf("exit code = %d, want %d", code, constants.ExitInterrupted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second signal did not exit")
	}
}

func TestWatchSignals_GraceElapses(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	_, cancel := context.WithCancel(context.Background())
	rec := newExitRecorder()

	go watchSignals(sigs, done, cancel, 20*time.Millisecond, &bytes.Buffer{}, rec.exit)
	sigs <- syscall.SIGTERM

	select {
	case code := <-rec.ch:
		if code != constants.ExitInterrupted {
			t.Errorf("exit code = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("grace period did not force exit")
	}
}

func TestWatchSignals_DoneStopsWatcher(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := newExitRecorder()

	finished := make(chan struct{})
	go func() {
		watchSignals(sigs, done, cancel, time.Hour, &bytes.Buffer{}, rec.exit)
		close(finished)
	}()
	close(done)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
	if ctx.Err() != nil {
		t.Error("context cancelled without a signal")
	}
}

// workspace lays out a manifest and server for one run.
type workspace struct {
	dir    string
	cfg    *config.Config
	server *httptest.Server
	blobs  map[string][]byte
}

func newWorkspace(t *testing.T, manifest string, retryList string) *workspace {
	t.Helper()
	w := &workspace{
		dir: t.TempDir(),
		blobs: map[string][]byte{
			"alpha.tar": bytes.Repeat([]byte{0xA1}, 30_000),
			"beta.tar":  bytes.Repeat([]byte{0xB2}, 12_345),
		},
	}
	w.server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		content, ok := w.blobs[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(rw, r)
			return
		}
		http.ServeContent(rw, r, "", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(w.server.Close)

	manifest = strings.ReplaceAll(manifest, "{srv}", w.server.URL)
	writeFile(t, filepath.Join(w.dir, "download_link.tsv"), manifest)
	if retryList != "" {
		writeFile(t, filepath.Join(w.dir, "retry.txt"), retryList)
	}

	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Manifest = filepath.Join(w.dir, "download_link.tsv")
	cfg.RetryList = filepath.Join(w.dir, "retry.txt")
	cfg.OutputDir = filepath.Join(w.dir, "raw")
	cfg.FailureLog = filepath.Join(w.dir, "failed_downloads.txt")
	cfg.Progress = config.ProgressNone
	cfg.Retry.MaxRetries = 1
	cfg.Retry.BackoffFactor = time.Millisecond
	w.cfg = cfg
	return w
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (w *workspace) readFailures(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(w.cfg.FailureLog)
	if os.IsNotExist(err) {
		return ""
	}
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// TestDownload_WholeManifest verifies a run without a retry list downloads
// every archive and records the one that cannot be fetched.
func TestDownload_WholeManifest(t *testing.T) {
	w := newWorkspace(t, "alpha.tar\t{srv}/alpha.tar\n"+
		"beta.tar\t{srv}/beta.tar\n"+
		"gone.tar\t{srv}/gone.tar\n"+
		"notes.txt\t{srv}/notes.txt\n", "")

	if err := download(context.Background(), w.cfg, logging.Nop()); err != nil {
		t.Fatalf("download error: %v", err)
	}
	for name, want := range w.blobs {
		got, err := os.ReadFile(filepath.Join(w.cfg.OutputDir, name))
		if err != nil || !bytes.Equal(got, want) {
			t.Errorf("%s: %d bytes, err %v", name, len(got), err)
		}
	}
	if _, err := os.Stat(filepath.Join(w.cfg.OutputDir, "notes.txt")); !os.IsNotExist(err) {
		t.Error("non-archive manifest entry was downloaded")
	}
	if got := w.readFailures(t); got != "gone.tar\n" {
		t.Errorf("failure log = %q", got)
	}
}

// TestDownload_RetryListAndUnresolved verifies the retry list restricts the
// run and unresolved names are recorded only when asked.
func TestDownload_RetryListAndUnresolved(t *testing.T) {
	w := newWorkspace(t, "alpha.tar\t{srv}/alpha.tar\nbeta.tar\t{srv}/beta.tar\n", "beta.tar\nghost.tar\n")
	w.cfg.RecordUnresolved = true

	if err := download(context.Background(), w.cfg, logging.Nop()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(w.cfg.OutputDir, "alpha.tar")); !os.IsNotExist(err) {
		t.Error("alpha.tar downloaded although not selected")
	}
	if _, err := os.Stat(filepath.Join(w.cfg.OutputDir, "beta.tar")); err != nil {
		t.Errorf("beta.tar missing: %v", err)
	}
	if got := w.readFailures(t); got != "ghost.tar\n" {
		t.Errorf("failure log = %q", got)
	}
}

func TestDownload_NothingToDo(t *testing.T) {
	w := newWorkspace(t, "alpha.tar\t{srv}/alpha.tar\n", "ghost.tar\n")

	if err := download(context.Background(), w.cfg, logging.Nop()); err != nil {
		t.Fatalf("download error: %v", err)
	}
	if _, err := os.Stat(w.cfg.OutputDir); !os.IsNotExist(err) {
		t.Error("output directory created for an empty run")
	}
	if got := w.readFailures(t); got != "" {
		t.Errorf("failure log = %q, want empty", got)
	}
}

func TestDownload_MissingManifest(t *testing.T) {
	w := newWorkspace(t, "", "")
	w.cfg.Manifest = filepath.Join(w.dir, "absent.tsv")
	if err := download(context.Background(), w.cfg, logging.Nop()); err == nil {
		t.Error("expected error for missing manifest")
	}
}

// TestDownload_Interrupted verifies a cancelled run returns an error and
// records nothing.
func TestDownload_Interrupted(t *testing.T) {
	w := newWorkspace(t, "alpha.tar\t{srv}/alpha.tar\n", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := download(ctx, w.cfg, logging.Nop()); err == nil {
		t.Error("expected error for interrupted run")
	}
	if got := w.readFailures(t); got != "" {
		t.Errorf("failure log = %q, want empty", got)
	}
}

// TestRootCmd_EndToEnd drives a run through flag parsing.
func TestRootCmd_EndToEnd(t *testing.T) {
	w := newWorkspace(t, "alpha.tar\t{srv}/alpha.tar\n", "")

	cmd := NewRootCmd()
	cmd.SetArgs([]string{
		"-i", w.cfg.Manifest,
		"-r", w.cfg.RetryList,
		"-o", w.cfg.OutputDir,
		"--failure-log", w.cfg.FailureLog,
		"--cpus", "2",
		"--progress", "none",
		"--log-level", "error",
	})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(w.cfg.OutputDir, "alpha.tar"))
	if err != nil || !bytes.Equal(got, w.blobs["alpha.tar"]) {
		t.Errorf("alpha.tar: %d bytes, err %v", len(got), err)
	}
}
