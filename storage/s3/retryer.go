package s3

import (
	"time"

	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/larrabee/s3ingest/storage"
)

// Retryer implements request.Retryer with a fixed delay between attempts.
// Missing objects are never retried, the caller decides what to do with them.
type Retryer struct {
	// RetryCnt is the number of max retries that will be performed.
	// By default, this is zero.
	RetryCnt uint

	// RetryDelay is the delay after which retry will be performed.
	// Throttled requests wait twice as long.
	RetryDelay time.Duration
}

// MaxRetries implements request.Retryer.
func (d Retryer) MaxRetries() int {
	return int(d.RetryCnt)
}

// RetryRules implements request.Retryer.
func (d Retryer) RetryRules(r *request.Request) time.Duration {
	if d.RetryCnt == 0 {
		return 0
	}
	if r.IsErrorThrottle() {
		return 2 * d.RetryDelay
	}
	return d.RetryDelay
}

// ShouldRetry implements request.Retryer.
func (d Retryer) ShouldRetry(r *request.Request) bool {
	if d.RetryCnt == 0 {
		return false
	}

	// If one of the other handlers already set the retry state
	// we don't want to override it based on the service's state
	if r.Retryable != nil {
		return *r.Retryable
	}

	if storage.IsErrNotExist(r.Error) || storage.IsAwsContextCanceled(r.Error) {
		return false
	}

	return r.IsErrorRetryable() || r.IsErrorThrottle() || storage.IsErrTransient(r.Error)
}
