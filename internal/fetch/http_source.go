package fetch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPSource reads plain HTTP(S) URLs with an optional Range header.
type HTTPSource struct {
	client    *retryablehttp.Client
	userAgent string
}

// NewHTTPSource creates an HTTPSource. The client must pass responses of any
// status through without turning them into errors. A nil client gets a
// default one that makes a single request per attempt.
func NewHTTPSource(client *retryablehttp.Client, userAgent string) *HTTPSource {
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 0
		client.ErrorHandler = retryablehttp.PassthroughErrorHandler
		client.Logger = nil
	}
	return &HTTPSource{client: client, userAgent: userAgent}
}

// Open implements Source.
func (s *HTTPSource) Open(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", rangeHeader(offset))
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, err
	}

	out := &Response{
		StatusCode:    resp.StatusCode,
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		RangeStart:    -1,
	}
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if start, err := parseContentRangeStart(cr); err == nil {
				out.RangeStart = start
			}
		}
	}
	return out, nil
}
