package backends

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindRateLimited, true},
		{KindTransient, true},
		{KindPolicyRejected, false},
		{KindMalformed, false},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retryable())
		})
	}
}

func TestKindOfExtractsFromChain(t *testing.T) {
	inner := &Error{Kind: KindPolicyRejected, Backend: "openai", Message: "blocked"}
	wrapped := fmt.Errorf("failed to generate: %w", inner)

	assert.Equal(t, KindPolicyRejected, KindOf(wrapped))
}

func TestKindOfDefaultsToTransient(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("something odd")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := &Error{Kind: KindTransient, Backend: "sdwebui", Message: "request failed", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "sdwebui")
	assert.Contains(t, err.Error(), "transient")
}
