package tarpit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandByteSource(t *testing.T) {
	src := NewRandByteSource()

	// Values are opaque; the contract is only that a byte comes back.
	for i := 0; i < 16; i++ {
		_, err := src.NextByte()
		require.NoError(t, err)
	}
}

func TestFixedByteSource(t *testing.T) {
	src := NewFixedByteSource(0x2a)

	for i := 0; i < 3; i++ {
		b, err := src.NextByte()
		require.NoError(t, err)
		assert.Equal(t, byte(0x2a), b)
	}
}
