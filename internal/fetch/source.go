package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Response is what a Source returns for a (possibly ranged) read.
type Response struct {
	// StatusCode uses HTTP semantics for every backend: 200 full body,
	// 206 partial body, 416 offset at or past the end, anything else fails.
	StatusCode int
	// Body must always be non-nil and closed by the caller.
	Body io.ReadCloser
	// ContentLength is the number of bytes in Body, -1 when unknown.
	ContentLength int64
	// RangeStart is the first byte offset reported for a 206, -1 when the
	// backend did not say.
	RangeStart int64
}

// Source opens a read of the resource at rawURL starting at offset.
// offset == 0 requests the whole resource.
type Source interface {
	Open(ctx context.Context, rawURL string, offset int64) (*Response, error)
}

// emptyResponse is used for statuses that carry no useful body.
func emptyResponse(status int) *Response {
	return &Response{StatusCode: status, Body: http.NoBody, ContentLength: 0, RangeStart: -1}
}

// rangeHeader formats an open-ended byte range.
func rangeHeader(offset int64) string {
	return "bytes=" + strconv.FormatInt(offset, 10) + "-"
}

// parseContentRangeStart extracts the first byte position from a
// "bytes start-end/total" header.
func parseContentRangeStart(header string) (int64, error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	rangeSpec := strings.TrimPrefix(header, "bytes ")
	dash := strings.IndexByte(rangeSpec, '-')
	if dash <= 0 {
		return 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}
	start, err := strconv.ParseInt(rangeSpec[:dash], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid start byte: %w", err)
	}
	return start, nil
}

// Router dispatches to a backend by URL: s3:// to S3, Azure Blob hosts to
// the Azure SDK, every other http(s) URL to plain HTTP.
type Router struct {
	HTTP  Source
	S3    Source
	Azure Source
}

// Open implements Source.
func (r *Router) Open(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	src, err := r.route(rawURL)
	if err != nil {
		return nil, err
	}
	return src.Open(ctx, rawURL, offset)
}

func (r *Router) route(rawURL string) (Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	var src Source
	switch strings.ToLower(u.Scheme) {
	case "s3":
		src = r.S3
	case "http", "https":
		if isAzureBlobHost(u.Hostname()) && r.Azure != nil {
			src = r.Azure
		} else {
			src = r.HTTP
		}
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if src == nil {
		return nil, fmt.Errorf("no source configured for %s urls", u.Scheme)
	}
	return src, nil
}

func isAzureBlobHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), ".blob.core.windows.net")
}
