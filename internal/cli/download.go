package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/rescale/tarfetch/internal/config"
	"github.com/rescale/tarfetch/internal/failurelog"
	"github.com/rescale/tarfetch/internal/fetch"
	inthttp "github.com/rescale/tarfetch/internal/http"
	"github.com/rescale/tarfetch/internal/logging"
	"github.com/rescale/tarfetch/internal/manifest"
	"github.com/rescale/tarfetch/internal/progress"
	"github.com/rescale/tarfetch/internal/retry"
	"github.com/rescale/tarfetch/internal/transfer"
	"github.com/rescale/tarfetch/internal/version"
)

// runDownload loads configuration, resolves the work set and runs the pool.
func runDownload(ctx context.Context, flags *pflag.FlagSet) error {
	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = logger.WithStr("run", uuid.NewString())

	return download(ctx, cfg, logger)
}

func newLogger(cfg *config.Config) (*logging.Logger, func(), error) {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	logging.SetGlobalLevel(level)

	opts := logging.Options{Format: cfg.Log.Format}
	closeFn := func() {}
	if cfg.Log.File != "" {
		if dir := filepath.Dir(cfg.Log.File); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		opts.File = f
		closeFn = func() { f.Close() }
	}
	return logging.NewLogger(opts), closeFn, nil
}

// download performs one run with an already configured logger.
func download(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	m, err := manifest.Load(cfg.Manifest, cfg.ArchiveSuffix, func(lineNo int, line, reason string) {
		logger.Warn().Int("line", lineNo).Str("text", line).Str("reason", reason).Msg("Skipping invalid manifest line")
	})
	if err != nil {
		return err
	}
	logger.Info().Str("path", cfg.Manifest).Int("count", m.Len()).Msgf("Loaded %d archive URLs", m.Len())

	selection, err := manifest.LoadSelection(cfg.RetryList)
	if err != nil {
		return err
	}
	res := manifest.Resolve(m, selection)
	if res.FromSelection {
		logger.Info().Str("path", cfg.RetryList).Int("count", len(selection)).Msg("Using retry list")
	} else {
		logger.Info().Str("path", cfg.RetryList).Msg("No retry list entries; downloading the whole manifest")
	}

	failures := failurelog.New(cfg.FailureLog)
	for _, name := range res.Unresolved {
		logger.Warn().Str("file", name).Msg("Retry entry not found in manifest, skipping")
		if cfg.RecordUnresolved {
			if err := failures.Append(name); err != nil {
				return fmt.Errorf("failed to record unresolved entry %s: %w", name, err)
			}
		}
	}

	if len(res.Targets) == 0 {
		logger.Info().Msg("No files to download. Exiting.")
		return nil
	}

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return err
	}
	runner := retry.NewRunner(fetcher, failures,
		retry.WithMaxRetries(cfg.Retry.MaxRetries),
		retry.WithBackoffFactor(cfg.Retry.BackoffFactor),
		retry.WithLogger(logger),
	)

	ui, err := progress.New(cfg.Progress, os.Stderr)
	if err != nil {
		return err
	}
	logOut := logger.Output()
	if _, plain := ui.(*progress.None); !plain {
		logger.SetOutput(ui.Writer())
	}

	mgr := transfer.NewManager(runner,
		transfer.WithWorkers(cfg.Workers),
		transfer.WithOutputDir(cfg.OutputDir),
		transfer.WithDisplay(ui),
		transfer.WithLogger(logger),
		transfer.WithFailureLogPath(failures.Path()),
	)

	logger.Info().Int("targets", len(res.Targets)).Int("workers", cfg.Workers).
		Str("output", cfg.OutputDir).Msg("Starting downloads")
	summary, runErr := mgr.Run(ctx, res.Targets)
	logger.SetOutput(logOut)

	ev := logger.Info()
	if summary.GaveUp > 0 || runErr != nil {
		ev = logger.Warn()
	}
	ev.Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("gave_up", summary.GaveUp).
		Int("aborted", summary.Aborted).
		Str("downloaded", humanize.IBytes(uint64(summary.Bytes))).
		Dur("elapsed", summary.Duration).
		Msg("Run finished")

	if runErr != nil {
		if errors.Is(runErr, transfer.ErrAborted) {
			logger.Warn().Msg("Interrupted; partial files are kept and will resume on the next run")
		}
		return runErr
	}
	return nil
}

// newFetcher wires the transports behind one shared HTTP client.
func newFetcher(cfg *config.Config, logger *logging.Logger) (*fetch.Fetcher, error) {
	baseClient, err := inthttp.CreateOptimizedClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	userAgent := cfg.HTTP.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	azureSource, err := fetch.NewAzureSource(cfg.Azure, baseClient)
	if err != nil {
		return nil, err
	}
	router := &fetch.Router{
		HTTP:  fetch.NewHTTPSource(inthttp.NewRetryableClient(baseClient, cfg, logger), userAgent),
		S3:    fetch.NewS3Source(cfg.S3, baseClient),
		Azure: azureSource,
	}

	rateLimit, err := cfg.RateLimitBytes()
	if err != nil {
		return nil, err
	}
	if rateLimit > 0 {
		logger.Info().Str("limit", humanize.IBytes(uint64(rateLimit))+"/s").Msg("Bandwidth limit enabled")
	}
	logger.Debug().Dur("connect_timeout", cfg.HTTP.ConnectTimeout).
		Dur("stall_timeout", cfg.HTTP.StallTimeout).
		Str("proxy_mode", cfg.Proxy.Mode).
		Msg("HTTP client configured")

	return fetch.New(router,
		fetch.WithRateLimit(rateLimit),
		fetch.WithStallTimeout(cfg.HTTP.StallTimeout),
	), nil
}
