package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/rescale/tarfetch/internal/config"
	"github.com/rescale/tarfetch/internal/logging"
)

// TestNewRetryableClient_PassesStatusThrough verifies non-2xx responses are
// returned to the caller without retrying or erroring.
func TestNewRetryableClient_PassesStatusThrough(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.HTTP.ConnectRetries = 3

	rc := NewRetryableClient(srv.Client(), cfg, logging.Nop())
	req, err := retryablehttp.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := rc.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", resp.StatusCode)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1 (status codes are not retried here)", hits.Load())
	}
}

// TestConnectionOnlyRetryPolicy verifies only transport errors are retried.
func TestConnectionOnlyRetryPolicy(t *testing.T) {
	ctx := context.Background()

	retry, err := connectionOnlyRetryPolicy(ctx, &http.Response{StatusCode: 500}, nil)
	if retry || err != nil {
		t.Errorf("500 response: retry=%v err=%v, want false nil", retry, err)
	}

	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	retry, _ = connectionOnlyRetryPolicy(ctx, nil, dialErr)
	if !retry {
		t.Error("connection error should be retried")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	retry, err = connectionOnlyRetryPolicy(cancelled, nil, dialErr)
	if retry || err == nil {
		t.Errorf("cancelled ctx: retry=%v err=%v, want false and ctx error", retry, err)
	}
}
