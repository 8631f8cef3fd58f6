package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fathomlabs/fathom/pkg/llms"
	"github.com/fathomlabs/fathom/pkg/memory"
	"github.com/fathomlabs/fathom/pkg/research"
	"github.com/fathomlabs/fathom/pkg/search"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"credential missing (research)", &research.CredentialMissingError{Provider: "search"}, ExitCredential},
		{"credential missing (llm)", &llms.Error{Kind: llms.KindCredentialMissing}, ExitCredential},
		{"credential missing (search)", &search.Error{Kind: search.KindCredentialMissing}, ExitCredential},
		{"validation", &memory.ValidationError{Field: "layer", Reason: "unknown"}, ExitValidation},
		{"topic required", research.ErrTopicRequired, ExitValidation},
		{"user required", memory.ErrUserRequired, ExitValidation},
		{"provider error", &llms.Error{Kind: llms.KindProviderError}, ExitProvider},
		{"rate limited", &search.Error{Kind: search.KindRateLimitExhausted}, ExitProvider},
		{"wrapped credential", fmt.Errorf("run failed: %w", &llms.Error{Kind: llms.KindCredentialMissing}), ExitCredential},
		{"plain error", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestRunVersion(t *testing.T) {
	SetVersion("1.2.3-test")
	assert.Equal(t, ExitOK, Run([]string{"version"}, "1.2.3-test"))
}

func TestSetVersionIgnoresEmpty(t *testing.T) {
	SetVersion("kept")
	SetVersion("")
	assert.Equal(t, "kept", versionString)
}
