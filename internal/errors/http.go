package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// FromHTTPStatus classifies a non-2XX upstream response.
// 429 and 5XX are retryable; every other status is a final rejection.
func FromHTTPStatus(status int, upstream string) *ExpertError {
	msg := fmt.Sprintf("%s returned HTTP %d", upstream, status)
	var e *ExpertError
	switch {
	case status == http.StatusTooManyRequests:
		e = New(ErrCodeRateLimited, msg, nil)
	case status >= 500:
		e = New(ErrCodeUpstreamFailure, msg, nil)
	default:
		e = New(ErrCodeUpstreamRejected, msg, nil)
	}
	return e.WithDetail("upstream", upstream).WithDetail("status", fmt.Sprintf("%d", status))
}

// FromTransport classifies an error returned by http.Client.Do.
// A cancelled parent context is returned as-is so callers can stop retrying.
func FromTransport(ctx context.Context, err error, upstream string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeNetworkTimeout, fmt.Sprintf("%s timed out", upstream), err).WithDetail("upstream", upstream)
	}
	return NetworkError(fmt.Sprintf("%s unreachable", upstream), err).WithDetail("upstream", upstream)
}
