package platform

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"Field 'inventoryAdjustQuantities' doesn't exist on type 'Mutation'", KindCapabilityUnsupported},
		{"unknown field changeFromQuantity", KindCapabilityUnsupported},
		{"quantity exceeds the remaining receivable amount", KindQuantityBounds},
		{"compare quantity does not match current", KindCompareMismatch},
		{"location not found", KindNotFound},
		{"request timed out", KindTransient},
		{"boom", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := Classify("adjust", errors.New(tt.msg))
			assert.Equal(t, tt.want, KindOf(err))
			assert.Contains(t, err.Error(), "adjust")
		})
	}
}

func TestClassify_PassThrough(t *testing.T) {
	assert.NoError(t, Classify("x", nil))

	orig := NewError(KindQuantityBounds, "adjust", "too many")
	wrapped := fmt.Errorf("chunk 1: %w", orig)
	assert.Same(t, wrapped, Classify("other", wrapped))
	assert.True(t, IsQuantityBounds(wrapped))
	assert.False(t, IsCapabilityUnsupported(wrapped))
}

func TestRemoteError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := Classify("fetch", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorKind(""), KindOf(cause))
}

func TestOperationRef_String(t *testing.T) {
	assert.Equal(t, "receive:T1", OperationRef{Kind: "receive", ID: "T1"}.String())
}
