package httpclient

import (
	"fmt"
	"time"
)

// RetryExhaustedError reports that all retry attempts were consumed.
type RetryExhaustedError struct {
	StatusCode int
	Attempts   int
	RetryAfter time.Duration
}

func (e *RetryExhaustedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d after %d attempts (retry after %v)", e.StatusCode, e.Attempts, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d after %d attempts", e.StatusCode, e.Attempts)
}
