package pkgver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNode(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantMajor uint64
		wantMinor uint64
		wantErr   bool
	}{
		{name: "typical", output: "v20.11.1\n", wantMajor: 20, wantMinor: 11},
		{name: "no prefix", output: "18.19.0", wantMajor: 18, wantMinor: 19},
		{name: "surrounding space", output: "  v22.3.0  \n", wantMajor: 22, wantMinor: 3},
		{name: "trailing warning line", output: "v20.0.0\nnpm WARN something\n", wantMajor: 20},
		{name: "empty", output: "", wantErr: true},
		{name: "whitespace only", output: " \n", wantErr: true},
		{name: "not found", output: "sh: 1: node: not found", wantErr: true},
		{name: "garbage", output: "vnext", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ParseNode(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMajor, v.Major())
			assert.Equal(t, tt.wantMinor, v.Minor())
		})
	}
}

func TestMajorIs(t *testing.T) {
	v, err := ParseNode("v20.11.1")
	require.NoError(t, err)

	assert.True(t, MajorIs(v, 20))
	assert.False(t, MajorIs(v, 2))
	assert.False(t, MajorIs(v, 200))
	assert.False(t, MajorIs(nil, 20))
}

func TestSatisfiesMajor(t *testing.T) {
	assert.True(t, SatisfiesMajor("v20.1.0\n", 20))
	assert.False(t, SatisfiesMajor("v18.1.0\n", 20))
	assert.False(t, SatisfiesMajor("", 20))
}
