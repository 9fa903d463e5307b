// Package s3 implements backend.Backend against an S3-compatible object
// store, porting the teacher's retry/backoff and error-classification logic
// (pkg/content/store/s3/s3_read.go: isRetryableError/isNotFoundError/
// calculateBackoff) onto the restore data plane's get-only hot path.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/blockvault/blockvault/pkg/backend"
)

// RetryConfig controls the exponential backoff loop, defaulted to the
// values the component design calls for (base 1s, cap 60s, max 5 attempts).
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultRetryConfig matches spec.md §4.4.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        4,
		InitialBackoff:    time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Backend downloads/uploads volumes as objects in a single S3 bucket.
type Backend struct {
	client *s3.Client
	bucket string
	retry  RetryConfig
}

// New wraps an already-configured s3.Client.
func New(client *s3.Client, bucket string, retry RetryConfig) *Backend {
	return &Backend{client: client, bucket: bucket, retry: retry}
}

func (b *Backend) calculateBackoff(attempt int) time.Duration {
	backoff := float64(b.retry.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= b.retry.BackoffMultiplier
	}
	if backoff > float64(b.retry.MaxBackoff) {
		backoff = float64(b.retry.MaxBackoff)
	}
	return time.Duration(backoff)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestThrottled", "SlowDown",
			"ProvisionedThroughputExceededException":
			return true
		case "InternalError", "ServiceUnavailable", "ServiceException", "InternalServiceException":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied", "Forbidden", "InvalidRange", "InvalidRequest":
			return false
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "500")
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}

// Get retries transient failures with exponential backoff; not-found and
// access-denied errors fail immediately.
func (b *Backend) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt <= b.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.calculateBackoff(attempt - 1)):
			}
		}

		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(name),
		})
		if err == nil {
			return out.Body, nil
		}
		lastErr = err

		if isNotFoundError(err) {
			return nil, fmt.Errorf("s3: %s: %w", name, backend.ErrNotFound)
		}
		if !isRetryableError(err) {
			return nil, fmt.Errorf("s3: get %s: %w", name, err)
		}
	}
	return nil, fmt.Errorf("s3: get %s: exhausted retries: %w", name, lastErr)
}

func (b *Backend) List(ctx context.Context, prefix string) ([]backend.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var entries []backend.Entry
	var token *string
	for {
		out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			entries = append(entries, backend.Entry{Name: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)})
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	return entries, nil
}

func (b *Backend) Put(ctx context.Context, name string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return 0, fmt.Errorf("s3: put %s: %w", name, err)
	}
	return int64(len(data)), nil
}

func (b *Backend) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", name, err)
	}
	return nil
}

func (b *Backend) Rename(ctx context.Context, oldName, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := fmt.Sprintf("%s/%s", b.bucket, oldName)
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(newName),
		CopySource: aws.String(src),
	})
	if err != nil {
		return fmt.Errorf("s3: rename %s -> %s: %w", oldName, newName, err)
	}
	return b.Delete(ctx, oldName)
}

var _ backend.Backend = (*Backend)(nil)
