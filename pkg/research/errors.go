package research

import (
	"errors"
	"fmt"
)

// ErrTopicRequired is returned when neither a topic nor override queries
// were supplied.
var ErrTopicRequired = errors.New("topic must not be empty")

// CredentialMissingError names the provider whose credential is absent.
// Runs fail with this before any telemetry is emitted.
type CredentialMissingError struct {
	Provider string
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("%s credential missing", e.Provider)
}

// Terminal error strings carried on failed Results.
const (
	errCancelled      = "cancelled"
	errBudgetExceeded = "budget-exceeded"
)
