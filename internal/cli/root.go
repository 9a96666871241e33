// Package cli provides the command-line interface for tarfetch.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

// NewRootCmd creates the root command. Running it performs one download run.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tarfetch",
		Short: "Bulk resumable downloader for archive manifests",
		Long: `tarfetch ` + version.Version + ` - Built: ` + version.BuildTime + `
Downloads every archive listed in a tab-separated manifest ("<name>\t<url>")
into an output directory, resuming partial files and retrying failures with
exponential backoff. Targets that exhaust their retries are appended to a
failure log, one name per line; feed that file back with --retry to try them
again.

URLs may be http(s)://, s3://bucket/key or Azure Blob
(https://<account>.blob.core.windows.net/...).`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd.Context(), cmd.Flags())
		},
	}
	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "Configuration file path (YAML)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")

	flags.StringP("input", "i", constants.DefaultManifestPath, "Manifest of <name>\\t<url> lines")
	flags.StringP("retry", "r", constants.DefaultRetryListPath, "Names to download, one per line (absent or empty: whole manifest)")
	flags.StringP("output", "o", constants.DefaultOutputDir, "Output directory")
	flags.IntP("workers", "w", constants.DefaultWorkers, "Number of concurrent downloads")
	flags.String("failure-log", constants.DefaultFailureLogPath, "File that receives names of targets that gave up")
	flags.String("suffix", constants.DefaultArchiveSuffix, "Only manifest names ending in this suffix are downloaded")
	flags.Bool("record-unresolved", false, "Also record retry entries missing from the manifest in the failure log")
	flags.Int("max-retries", constants.MaxRetries, "Retries after the first attempt before giving up on a target")
	flags.Duration("backoff-factor", constants.BackoffFactor, "Base of the exponential backoff between attempts")
	flags.String("limit-rate", "", "Total bandwidth cap, e.g. 50MiB (per second)")
	flags.String("progress", "auto", "Progress display: auto, bars, simple or none")
	flags.String("log-format", "console", "Log format: console or json")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")
	flags.String("log-file", "", "Also append JSON log lines to this file")

	// --cpus is what the first version of the tool called --workers.
	flags.SetNormalizeFunc(workersAlias)

	return rootCmd
}

func workersAlias(f *pflag.FlagSet, name string) pflag.NormalizedName {
	if strings.EqualFold(name, "cpus") {
		name = "workers"
	}
	return pflag.NormalizedName(name)
}

// Execute runs the CLI. The first SIGINT or SIGTERM cancels the run; a
// second one, or the grace period running out, exits immediately.
func Execute() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan struct{})
	defer close(done)
	go watchSignals(sigChan, done, cancel, constants.ShutdownGracePeriod, os.Stderr, os.Exit)

	return NewRootCmd().ExecuteContext(ctx)
}

func watchSignals(sigs <-chan os.Signal, done <-chan struct{}, cancel context.CancelFunc,
	grace time.Duration, out io.Writer, exit func(int)) {
	select {
	case sig := <-sigs:
		fmt.Fprintf(out, "\nReceived %v, stopping downloads. Partial files are kept and resume on the next run.\n", sig)
		cancel()
	case <-done:
		return
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case sig := <-sigs:
		fmt.Fprintf(out, "Received %v again, exiting now.\n", sig)
		exit(constants.ExitInterrupted)
	case <-timer.C:
		fmt.Fprintf(out, "Workers did not stop within %s, exiting.\n", grace)
		exit(constants.ExitInterrupted)
	case <-done:
	}
}
