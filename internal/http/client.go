package http

import (
	"context"
	"crypto/tls"
	nethttp "net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/rescale/tarfetch/internal/config"
	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/logging"
)

// CreateOptimizedClient creates an HTTP client tuned for many concurrent
// large-object downloads, with proxy support.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Connection pool sized for one long-lived stream per worker
//   - HTTP/2 unless disabled in config or a proxy is in the path
//   - Disabled compression: archives are already compressed, and a
//     transparently decompressed body would break Content-Length accounting
//     for resumed files
//
// The same client backs the plain HTTP source and the S3 and Azure SDK
// clients so all three share proxy behavior.
func CreateOptimizedClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	baseClient, err := ConfigureHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM mode wraps the transport in ntlmssp.Negotiator; keep it as-is.
		baseClient.Timeout = 0
		return baseClient, nil
	}

	tr.MaxIdleConns = 512
	tr.MaxIdleConnsPerHost = constants.MaxWorkers
	tr.MaxConnsPerHost = 0 // unlimited; the worker pool bounds concurrency

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true

	_ = http2.ConfigureTransport(tr)

	// HTTP/2 through proxies tends to fail mid-stream. FORCE_HTTP2=true
	// overrides that for proxies known to cope.
	if cfg.HTTP.DisableHTTP2 || (proxyActive(cfg, os.Getenv) && os.Getenv("FORCE_HTTP2") != "true") {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0 // No overall timeout - transfers can take hours

	return baseClient, nil
}

// NewRetryableClient wraps base in a retryablehttp client that only retries
// failures to obtain a response (connection refused, reset before headers).
// Any response, whatever its status, is returned to the caller untouched:
// status handling and the per-target retry budget belong to the fetcher.
func NewRetryableClient(base *nethttp.Client, cfg *config.Config, logger *logging.Logger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = cfg.HTTP.ConnectRetries
	rc.RetryWaitMin = constants.HTTPConnectRetryWaitMin
	rc.RetryWaitMax = constants.HTTPConnectRetryWaitMax
	rc.CheckRetry = connectionOnlyRetryPolicy
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if logger != nil {
		rc.Logger = &retryLogger{logger: logger}
	} else {
		rc.Logger = nil
	}

	return rc
}

func connectionOnlyRetryPolicy(ctx context.Context, resp *nethttp.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil {
		return false, nil
	}
	// DefaultRetryPolicy refuses to retry certificate and scheme errors.
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// retryLogger adapts our zerolog wrapper to retryablehttp.LeveledLogger.
// retryablehttp logs every request at debug level, so Info and Debug are
// both demoted to debug.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}
