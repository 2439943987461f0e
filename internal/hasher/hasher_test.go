package hasher

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSum_KnownVectors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello", []byte("hello"), "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sum(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, Size)
		})
	}
}

func TestSum_Deterministic(t *testing.T) {
	data := bytes.Repeat([]byte("sop-"), 4096)
	assert.Equal(t, Sum(data), Sum(append([]byte(nil), data...)))
	assert.NotEqual(t, Sum(data), Sum(data[1:]))
}

func TestSumReader_MatchesSum(t *testing.T) {
	data := []byte(strings.Repeat("workbook", 10000))
	got, err := SumReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Sum(data), got)
}

func TestEqual(t *testing.T) {
	h := Sum([]byte("x"))
	assert.True(t, Equal(h, strings.ToUpper(h)))
	assert.True(t, Equal(" "+h, h))
	assert.False(t, Equal(h, Sum([]byte("y"))))
	assert.False(t, Equal("", ""))
}
