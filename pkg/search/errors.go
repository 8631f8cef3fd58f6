package search

import "fmt"

// Kind discriminates search provider failures.
type Kind string

const (
	KindCredentialMissing  Kind = "credential_missing"
	KindRateLimited        Kind = "rate_limited"
	KindRateLimitExhausted Kind = "rate_limit_exhausted"
	KindAuthError          Kind = "auth_error"
	KindQueryInvalid       Kind = "query_invalid"
	KindProviderError      Kind = "provider_error"
)

// Error is the discriminated error returned by the search client.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("search: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("search: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain.
func KindOf(err error) Kind {
	for err != nil {
		if se, ok := err.(*Error); ok {
			return se.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}
