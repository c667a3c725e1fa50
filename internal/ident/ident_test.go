package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "4006381333931", "4006381333931"},
		{"trailing CRLF", "4006381333931\r\n", "4006381333931"},
		{"full width digits", "４００６３８", "400638"},
		{"interior space and tab", " SKU 12\t34 ", "SKU1234"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeCode(tt.raw))
		})
	}
}

func TestValidCode(t *testing.T) {
	assert.True(t, ValidCode("123456", 6))
	assert.False(t, ValidCode("12345", 6))
	assert.True(t, ValidCode("123456", 0), "zero min length falls back to default")
	assert.False(t, ValidCode("12345", 0))
}

func TestClampQty(t *testing.T) {
	assert.Equal(t, 3, ClampQty(1, 3, 10))
	assert.Equal(t, 10, ClampQty(11, 3, 10))
	assert.Equal(t, 5, ClampQty(5, 3, 10))
	assert.Equal(t, 0, ClampQty(-4, -1, 10))
	assert.Equal(t, MaxQty, ClampQty(MaxQty+50, 0, 0))
}

func TestParseQty(t *testing.T) {
	n, err := ParseQty(" 12 ")
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	n, err = ParseQty("2.5")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = ParseQty("2.4")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ParseQty("5000000")
	require.NoError(t, err)
	assert.Equal(t, MaxQty, n)

	for _, bad := range []string{"", "-1", "abc", "-0.5", "NaN"} {
		_, err := ParseQty(bad)
		assert.ErrorIs(t, err, ErrInvalidQty, "input %q", bad)
	}
}

func TestItemKey(t *testing.T) {
	assert.Equal(t, "v:var-1", ItemKey("item-1", "var-1"))
	assert.Equal(t, "i:item-1", ItemKey("item-1", ""))
}
