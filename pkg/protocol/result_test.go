package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want OutcomeStatus
	}{
		{"success", OutcomeSuccess},
		{"DONE", OutcomeSuccess},
		{"Completed", OutcomeSuccess},
		{"succeeded", OutcomeSuccess},
		{"error", OutcomeFailure},
		{"failed", OutcomeFailure},
		{"FAILURE", OutcomeFailure},
		{"rendering", OutcomePending},
		{"queued", OutcomePending},
		{"", OutcomePending},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStatus(tt.raw))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	base := errors.New("connection reset")

	assert.False(t, IsPermanent(Transient(base)))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.False(t, IsPermanent(base), "unclassified errors default to transient")
	assert.True(t, errors.Is(Permanent(base), base))
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}
