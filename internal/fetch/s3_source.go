package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/tarfetch/internal/config"
)

const defaultS3Region = "us-east-1"

// S3Source reads s3://bucket/key URLs with ranged GetObject calls.
// The SDK client is created on first use so runs without S3 targets never
// touch the AWS credential chain.
type S3Source struct {
	cfg        config.S3Config
	httpClient *http.Client

	mu     sync.Mutex
	client *s3.Client
}

// NewS3Source creates an S3Source sharing httpClient's proxy and pool settings.
func NewS3Source(cfg config.S3Config, httpClient *http.Client) *S3Source {
	return &S3Source{cfg: cfg, httpClient: httpClient}
}

func (s *S3Source) getClient(ctx context.Context) (*s3.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}

	region := s.cfg.Region
	if region == "" {
		region = defaultS3Region
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if s.cfg.AccessKeyID != "" && s.cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			awscreds.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, s.cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
		o.UsePathStyle = s.cfg.UsePathStyle
		// Set here rather than through LoadDefaultConfig, which rejects a
		// plain *http.Client when AWS_CA_BUNDLE is set.
		if s.httpClient != nil {
			o.HTTPClient = s.httpClient
		}
		// The per-target retry budget lives above this layer.
		o.RetryMaxAttempts = 1
	})
	return s.client, nil
}

// Open implements Source.
func (s *S3Source) Open(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, err
	}

	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if offset > 0 {
		input.Range = aws.String(rangeHeader(offset))
	}

	out, err := client.GetObject(ctx, input)
	if err != nil {
		// s3shared.ResponseError and awshttp.ResponseError both expose the status.
		var respErr interface{ HTTPStatusCode() int }
		if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusRequestedRangeNotSatisfiable {
			return emptyResponse(http.StatusRequestedRangeNotSatisfiable), nil
		}
		return nil, fmt.Errorf("s3 GetObject s3://%s/%s: %w", bucket, key, err)
	}

	resp := &Response{
		StatusCode:    http.StatusOK,
		Body:          out.Body,
		ContentLength: -1,
		RangeStart:    -1,
	}
	if out.ContentLength != nil {
		resp.ContentLength = *out.ContentLength
	}
	// A reply without Content-Range is the whole object, even when a range
	// was requested.
	if out.ContentRange != nil {
		resp.StatusCode = http.StatusPartialContent
		if start, err := parseContentRangeStart(*out.ContentRange); err == nil {
			resp.RangeStart = start
		}
	}
	return resp, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url %q: %w", rawURL, err)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: want s3://bucket/key", rawURL)
	}
	return bucket, key, nil
}
