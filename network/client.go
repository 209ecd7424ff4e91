package network

import (
	"context"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// PermanentStatuses are segment and finalize statuses that abort instead of being retried.
var PermanentStatuses = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusConflict,
	http.StatusInternalServerError,
}

// IsPermanent reports whether status is one of permanent.
func IsPermanent(status int, permanent []int) bool {
	for _, s := range permanent {
		if s == status {
			return true
		}
	}
	return false
}

// NewClient creates a credentialed retrying client: cookies of jar are sent with every request and responses
// with a permanent status are returned to the caller instead of being retried.
func NewClient(logger log.Logger, jar http.CookieJar) *retryablehttp.Client {
	client := retryhttp.NewClient(logger)
	if client.HTTPClient == nil {
		client.HTTPClient = &http.Client{}
	}
	client.HTTPClient.Jar = jar
	client.CheckRetry = NewRetryPolicy(logger, PermanentStatuses)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return client
}

// NewSingleAttemptClient is NewClient without transparent retries. Callers own the retry decision,
// which they can still make with the client's CheckRetry and Backoff.
func NewSingleAttemptClient(logger log.Logger, jar http.CookieJar) *retryablehttp.Client {
	client := NewClient(logger, jar)
	client.RetryMax = 0
	return client
}

// NewRetryPolicy wraps retryablehttp.DefaultRetryPolicy so that permanent statuses are never retried.
func NewRetryPolicy(logger log.Logger, permanent []int) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, reqErr error) (bool, error) {
		if resp != nil && IsPermanent(resp.StatusCode, permanent) {
			logger.Debugf("CheckRetry: permanent status %d", resp.StatusCode)
			return false, nil
		}
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, reqErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; reqErr=%+v", retry, err, reqErr)
		return retry, err
	}
}
