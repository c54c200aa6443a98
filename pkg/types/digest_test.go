package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDigest_EqualBytesShareDigest(t *testing.T) {
	a := ComputeDigest([]byte("package main\n"))
	b := ComputeDigest([]byte("package main\n"))
	c := ComputeDigest([]byte("package other\n"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.False(t, a.IsZero())
	assert.True(t, Digest{}.IsZero())
}

func TestParseDigest_RoundTrip(t *testing.T) {
	d := ComputeDigest([]byte("hello"))

	parsed, err := ParseDigest(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
	assert.Equal(t, "2cf24dba5fb0", d.Short())
}

func TestParseDigest_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not hex", "zz"},
		{"too short", "abcd"},
		{"too long", strings.Repeat("a", 2*DigestSize+2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDigest(tt.input)
			assert.ErrorIs(t, err, ErrInvalidDigest)
		})
	}
}

func TestDigestFromBytes(t *testing.T) {
	d := ComputeDigest([]byte("x"))

	got, err := DigestFromBytes(d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = DigestFromBytes(d.Bytes()[:10])
	assert.ErrorIs(t, err, ErrInvalidDigest)
}

func TestDigest_BytesIsCopy(t *testing.T) {
	d := ComputeDigest([]byte("x"))
	b := d.Bytes()
	b[0] ^= 0xff
	assert.NotEqual(t, b[0], d[0])
}

func TestDigest_Compare(t *testing.T) {
	var lo, hi Digest
	hi[0] = 1

	assert.Equal(t, -1, lo.Compare(hi))
	assert.Equal(t, 1, hi.Compare(lo))
	assert.Equal(t, 0, hi.Compare(hi))
}
