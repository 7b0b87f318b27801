package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitmapColorTransitions(t *testing.T) {
	b := NewBitmap(4)

	c, err := b.Get(0)
	require.NoError(t, err)
	assert.Equal(t, White, c)

	assert.True(t, b.CompareAndSwap(0, White, Grey))
	assert.False(t, b.CompareAndSwap(0, White, Grey), "second CAS from White should fail once already Grey")

	b.Set(0, Black)
	c, err = b.Get(0)
	require.NoError(t, err)
	assert.Equal(t, Black, c)
}

func TestBitmapRefusesImpossiblePattern(t *testing.T) {
	b := NewBitmap(1)
	assert.Panics(t, func() { b.Set(0, invalid) })
}

func TestBitmapVerifyDetectsCorruption(t *testing.T) {
	b := NewBitmap(2)
	b.bits[1] = invalid // only reachable within the package; simulates structural corruption

	err := b.Verify()
	require.Error(t, err)
	var corrupt *ErrBitmapCorrupt
	assert.ErrorAs(t, err, &corrupt)
	assert.Equal(t, 1, corrupt.Index)
}

func TestBitmapReset(t *testing.T) {
	b := NewBitmap(3)
	b.Set(0, Black)
	b.Set(1, Grey)
	b.Reset()
	for i := 0; i < 3; i++ {
		c, err := b.Get(i)
		require.NoError(t, err)
		assert.Equal(t, White, c)
	}
}
