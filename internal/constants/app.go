package constants

import (
	"time"
)

// Input and output locations
const (
	// DefaultManifestPath - tab-separated "<name>\t<url>" manifest
	DefaultManifestPath = "download_link.tsv"

	// DefaultRetryListPath - optional list of target names to re-attempt
	// Absent or empty means "everything in the manifest"
	DefaultRetryListPath = "retry.txt"

	// DefaultOutputDir - directory that receives the downloaded archives
	DefaultOutputDir = "raw/"

	// DefaultFailureLogPath - append-only record of targets that exhausted
	// their retry budget. Never truncated by the tool.
	DefaultFailureLogPath = "failed_downloads.txt"

	// DefaultArchiveSuffix - only manifest names with this suffix are downloaded
	DefaultArchiveSuffix = ".tar"
)

// Worker pool
const (
	// DefaultWorkers - number of targets transferred concurrently (10)
	DefaultWorkers = 10

	// MaxWorkers - upper bound accepted by configuration validation
	// Each worker holds one open connection and one open file.
	MaxWorkers = 256
)

// Retry configuration
const (
	// MaxRetries - retries after the first attempt before a target is given up (10)
	// A target is attempted at most MaxRetries+1 times.
	MaxRetries = 10

	// BackoffFactor - base of the exponential backoff (500ms)
	// The wait before attempt n+1 is BackoffFactor * 2^(n-1): 0.5s, 1s, 2s, ...
	// No jitter, no cap.
	BackoffFactor = 500 * time.Millisecond
)

// Streaming
const (
	// StreamChunkSize - size of each body read written to disk (8 KiB)
	StreamChunkSize = 8 * 1024

	// ScannerMaxLineSize - longest manifest line accepted (1 MiB)
	// Presigned URLs can be several KiB long.
	ScannerMaxLineSize = 1024 * 1024
)

// Disk space safety margin
const (
	// DiskSpaceSafetyMargin - multiplier applied to the remaining bytes of a
	// target before checking free space (5%)
	DiskSpaceSafetyMargin = 1.05
)

// HTTP Client Timeouts
const (
	// HTTPConnectTimeout - time allowed to connect and receive response headers (30 seconds)
	HTTPConnectTimeout = 30 * time.Second

	// HTTPStallTimeout - an attempt is abandoned when the body yields no bytes
	// for this long (30 seconds)
	HTTPStallTimeout = 30 * time.Second

	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPConnectRetryWaitMin / HTTPConnectRetryWaitMax - bounds for the
	// connection-level retries done inside a single attempt
	HTTPConnectRetryWaitMin = 1 * time.Second
	HTTPConnectRetryWaitMax = 10 * time.Second
)

// UI Updates
const (
	// ProgressRefreshRate - refresh rate of the multi-bar display (300ms)
	ProgressRefreshRate = 300 * time.Millisecond

	// ProgressThrottle - minimum interval between redraws of the simple bar (100ms)
	ProgressThrottle = 100 * time.Millisecond

	// ProgressLabelWidth - file names longer than this are truncated in bar labels
	ProgressLabelWidth = 32
)

// Shutdown
const (
	// ShutdownGracePeriod - after an interrupt, in-flight transfers get this long
	// to unwind before the process exits regardless (10 seconds)
	ShutdownGracePeriod = 10 * time.Second

	// ExitInterrupted - exit status when the grace period elapses or a second
	// interrupt arrives
	ExitInterrupted = 130
)
