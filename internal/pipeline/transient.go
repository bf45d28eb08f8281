package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"invoicerecon/internal/extract"
)

// RetryableError asks the step runner to invoke the page step again after a
// backoff. Attempt is the attempt that just failed.
type RetryableError struct {
	PageNo  int
	Attempt int
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("page %d attempt %d: %v", e.PageNo, e.Attempt, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

var transientPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|resource.?exhausted|quota|timed? ?out|deadline exceeded|temporar|unavailable|overloaded|connection (reset|refused)|broken pipe|\b(429|500|502|503|504)\b`)

// IsTransient reports whether a page failure is likely to clear on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, extract.ErrInvalidPayload) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return transientPattern.MatchString(err.Error())
}
