package executor

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ExternalError carries what an external service told us about a failure,
// so the retry classifier can decide without string-guessing.
type ExternalError struct {
	StatusCode int
	Category   string
	Err        error
}

func (e *ExternalError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Category
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

var retryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	529: true,
}

var retryableCategories = map[string]bool{
	"overloaded": true,
	"rate_limit": true,
}

var retryableSubstrings = []string{
	"rate limit",
	"overloaded",
	"too many requests",
	"is currently loading",
}

// IsRetryable classifies an error as transient. Handlers that talk to
// external services retry on these; everything else is terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ext *ExternalError
	if errors.As(err, &ext) {
		if retryableStatuses[ext.StatusCode] {
			return true
		}
		if retryableCategories[strings.ToLower(ext.Category)] {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sub := range retryableSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// Retry runs fn up to maxAttempts times with exponential backoff between
// attempts, retrying only retryable errors. Retries live inside handlers;
// the scheduler never retries a node.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}
