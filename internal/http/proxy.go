package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/tarfetch/internal/config"
	"github.com/rescale/tarfetch/internal/constants"
	"github.com/rescale/tarfetch/internal/logging"
)

// ConfigureHTTPClient configures an HTTP client with proxy settings.
// The returned client has no overall timeout; header and body deadlines are
// enforced per attempt. A nil logger discards proxy diagnostics.
func ConfigureHTTPClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	connectTimeout := cfg.HTTP.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = constants.HTTPConnectTimeout
	}

	transport := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		ResponseHeaderTimeout: connectTimeout,
	}

	switch strings.ToLower(cfg.Proxy.Mode) {
	case config.ProxyModeNone, "":
		transport.Proxy = nil

	case config.ProxyModeSystem:
		// HTTP_PROXY / HTTPS_PROXY / NO_PROXY
		transport.Proxy = nethttp.ProxyFromEnvironment

	case config.ProxyModeNTLM:
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg.Proxy), cfg.Proxy.NoProxy, logger)

		return &nethttp.Client{
			Transport: ntlmssp.Negotiator{
				RoundTripper: transport,
			},
		}, nil

	case config.ProxyModeBasic:
		transport.Proxy = proxyFuncWithBypass(buildProxyURL(cfg.Proxy), cfg.Proxy.NoProxy, logger)

		if cfg.Proxy.User != "" && cfg.Proxy.Password == "" {
			logger.Warn().Str("user", cfg.Proxy.User).Msg("Proxy user configured but password missing, proxy auth disabled")
		}

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", cfg.Proxy.Mode)
	}

	return &nethttp.Client{Transport: transport}, nil
}

// buildProxyURL constructs a proxy URL from config
func buildProxyURL(p config.ProxyConfig) *url.URL {
	port := p.Port
	if port == 0 {
		port = 8080
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, fmt.Sprint(port)),
	}

	// Only embed credentials if both user AND password are provided.
	// Empty password in URL can cause auth failures with some proxies.
	if p.User != "" && p.Password != "" {
		proxyURL.User = url.UserPassword(p.User, p.Password)
	}

	return proxyURL
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// If noProxy is empty, behaves identically to nethttp.ProxyURL.
// When noProxy is set, uses golang.org/x/net/http/httpproxy to match hosts/CIDRs.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("Proxy bypass (direct connection)")
		} else {
			logger.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("Proxied")
		}
		return result, err
	}
}

// proxyActive reports whether requests from a client built for cfg are
// expected to traverse a proxy.
func proxyActive(cfg *config.Config, getenv func(string) string) bool {
	switch strings.ToLower(cfg.Proxy.Mode) {
	case config.ProxyModeNone, "":
		return false
	case config.ProxyModeSystem:
		return getenv("HTTP_PROXY") != "" || getenv("HTTPS_PROXY") != "" ||
			getenv("http_proxy") != "" || getenv("https_proxy") != ""
	default:
		return true
	}
}
