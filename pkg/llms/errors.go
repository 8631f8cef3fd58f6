package llms

import "fmt"

// Kind discriminates provider failures so callers can branch without
// string matching.
type Kind string

const (
	KindCredentialMissing Kind = "credential_missing"
	KindRateLimited       Kind = "rate_limited"
	KindAuthError         Kind = "auth_error"
	KindProviderError     Kind = "provider_error"
	KindParseError        Kind = "parse_error"
	KindTimeout           Kind = "timeout"
	KindPersonaUnknown    Kind = "persona_unknown"
)

// Error is the discriminated error returned by the LLM client.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("llm: %s: %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("llm: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain, or "" if it is not an
// LLM client error.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if le, ok := err.(*Error); ok {
			e = le
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return ""
	}
	return e.Kind
}

func newError(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}
