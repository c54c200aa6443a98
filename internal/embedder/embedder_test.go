package embedder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetReturnsCopy(t *testing.T) {
	c := NewCache(10)
	c.Set("h", &Embedding{Vector: []float32{1, 2, 3}, Dimension: 3, Model: "m"})

	got, ok := c.Get("h")
	require.True(t, ok)
	got.Vector[0] = 99

	again, ok := c.Get("h")
	require.True(t, ok)
	assert.Equal(t, float32(1), again.Vector[0])
}

func TestCache_GetPromotesPeekDoesNot(t *testing.T) {
	c := NewCache(2)
	c.Set("a", &Embedding{Vector: []float32{1}})
	c.Set("b", &Embedding{Vector: []float32{2}})

	// Peek leaves "a" as the eviction candidate
	_, ok := c.Peek("a")
	require.True(t, ok)
	c.Set("c", &Embedding{Vector: []float32{3}})
	_, ok = c.Peek("a")
	assert.False(t, ok)

	// Get makes "b" most recent, so "c" goes next
	_, ok = c.Get("b")
	require.True(t, ok)
	c.Set("d", &Embedding{Vector: []float32{4}})
	_, ok = c.Peek("b")
	assert.True(t, ok)
	_, ok = c.Peek("c")
	assert.False(t, ok)
}

func TestCache_SizeAndClear(t *testing.T) {
	c := NewCache(0)
	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("h%d", i), &Embedding{})
	}
	assert.Equal(t, 5, c.Size())
	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestComputeHash(t *testing.T) {
	assert.Equal(t, ComputeHash("func main() {}"), ComputeHash("func main() {}"))
	assert.NotEqual(t, ComputeHash("a"), ComputeHash("b"))
	assert.Len(t, ComputeHash("x"), 64)
}

func TestValidateBatchRequest(t *testing.T) {
	tests := []struct {
		name    string
		texts   []string
		max     int
		wantErr error
	}{
		{"ok", []string{"a", "b"}, 10, nil},
		{"empty batch", nil, 10, ErrInvalidInput},
		{"empty text", []string{"a", ""}, 10, ErrInvalidInput},
		{"too large", []string{"a", "b", "c"}, 2, ErrBatchTooLarge},
		{"no ceiling", []string{"a", "b", "c"}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBatchRequest(BatchEmbeddingRequest{Texts: tt.texts}, tt.max)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}
