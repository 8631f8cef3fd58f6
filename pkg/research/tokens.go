package research

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates the token count of text. Falls back to a
// character heuristic when the encoding cannot be loaded offline.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// truncateToTokens trims text so it fits within budget tokens. The cut
// lands on the preceding newline when one is near, keeping entries whole.
func truncateToTokens(text string, budget int) string {
	if budget <= 0 || countTokens(text) <= budget {
		return text
	}

	// Binary search the cut point on bytes; token counts are monotonic
	// in prefix length.
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if countTokens(text[:mid]) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	cut := text[:lo]
	if idx := lastNewlineWithin(cut, 200); idx > 0 {
		cut = cut[:idx]
	}
	return cut
}

func lastNewlineWithin(s string, window int) int {
	start := len(s) - window
	if start < 0 {
		start = 0
	}
	for i := len(s) - 1; i >= start; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
