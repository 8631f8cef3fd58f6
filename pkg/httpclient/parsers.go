package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseRetryAfterHeaders extracts rate-limit hints from the standard
// Retry-After and x-ratelimit-* headers used by both providers.
func ParseRetryAfterHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{}

	if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			info.ResetTime = at.Unix()
		}
	}

	if reset := headers.Get("x-ratelimit-reset"); reset != "" {
		if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
			info.ResetTime = unix
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = n
		}
	}

	return info
}
