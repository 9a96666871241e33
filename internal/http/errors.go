package http

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// ErrorType represents different classes of attempt failures. It is used to
// label log lines; every failed attempt is retried regardless of class.
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeCredential indicates authentication/authorization failure (401, 403, expired SAS)
	ErrorTypeCredential
	// ErrorTypeNetwork indicates network/connection issues (timeouts, resets, stalls)
	ErrorTypeNetwork
	// ErrorTypeRetryable indicates server-side trouble (5xx, throttling)
	ErrorTypeRetryable
	// ErrorTypeFatal indicates errors unlikely to go away on their own (404, bad URL)
	ErrorTypeFatal
	// ErrorTypeCancelled indicates the caller gave up (interrupt)
	ErrorTypeCancelled
)

// statusCoder is implemented by errors that carry an HTTP status code.
type statusCoder interface {
	HTTPStatus() int
}

// awsStatusCoder matches AWS SDK response errors.
type awsStatusCoder interface {
	HTTPStatusCode() int
}

// ClassifyError determines the error class of a failed attempt.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}

	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrorTypeNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeNetwork
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}
	var asc awsStatusCoder
	if errors.As(err, &asc) {
		return classifyStatus(asc.HTTPStatusCode())
	}

	errStr := strings.ToLower(err.Error())

	// Credential-related errors
	// Includes both AWS (expired token) and Azure (authentication failed, invalid SAS) errors
	if strings.Contains(errStr, "expired") ||
		strings.Contains(errStr, "invalid token") ||
		strings.Contains(errStr, "expiredtoken") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "authentication failed") ||
		strings.Contains(errStr, "authenticationfailed") ||
		strings.Contains(errStr, "invalid sas") ||
		strings.Contains(errStr, "signature not valid") ||
		strings.Contains(errStr, "signaturedoesnotmatch") ||
		strings.Contains(errStr, "authorization failure") {
		return ErrorTypeCredential
	}

	// Network errors
	if strings.Contains(errStr, "tls handshake timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "stalled") ||
		strings.Contains(errStr, "truncated") ||
		strings.Contains(errStr, "timeout") {
		return ErrorTypeNetwork
	}

	// AWS/Azure retryable errors - server issues, rate limiting
	if strings.Contains(errStr, "requesttimeout") ||
		strings.Contains(errStr, "internalerror") ||
		strings.Contains(errStr, "serviceunavailable") ||
		strings.Contains(errStr, "slowdown") ||
		strings.Contains(errStr, "throttl") ||
		strings.Contains(errStr, "server busy") ||
		strings.Contains(errStr, "serverbusy") ||
		strings.Contains(errStr, "operationtimeout") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "insufficient disk space") {
		return ErrorTypeRetryable
	}

	return ErrorTypeFatal
}

func classifyStatus(code int) ErrorType {
	switch {
	case code == 401 || code == 403:
		return ErrorTypeCredential
	case code == 408 || code == 429 || code >= 500:
		return ErrorTypeRetryable
	case code >= 200 && code < 300:
		return ErrorTypeSuccess
	default:
		return ErrorTypeFatal
	}
}

// ErrorTypeName returns a human-readable name for an ErrorType
func ErrorTypeName(errType ErrorType) string {
	switch errType {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeCredential:
		return "credential"
	case ErrorTypeNetwork:
		return "network"
	case ErrorTypeRetryable:
		return "retryable"
	case ErrorTypeFatal:
		return "fatal"
	case ErrorTypeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
