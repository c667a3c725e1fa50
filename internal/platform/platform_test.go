package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stocktake/internal/model"
)

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("receive:T-100")
	require.NoError(t, err)
	assert.Equal(t, OperationRef{Kind: model.KindReceive, ID: "T-100"}, ref)
	assert.Equal(t, "receive:T-100", ref.String())

	ref, err = ParseRef(" count:C1 ")
	require.NoError(t, err)
	assert.Equal(t, model.KindCount, ref.Kind)

	for _, bad := range []string{"", "receive", "receive:", "transfer:X"} {
		_, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}
