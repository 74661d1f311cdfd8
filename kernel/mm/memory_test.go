package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostMemory(t *testing.T) {
	_, err := NewHostMemory(123)
	require.Error(t, err, "expected a non page-multiple size to be rejected")

	mem, err := NewHostMemory(4 * Kb * 4)
	require.NoError(t, err)
	defer func() { require.NoError(t, mem.Release()) }()

	assert.Equal(t, 4*PageSize, mem.Size())
	assert.True(t, mem.Contains(0, mem.Size()))
	assert.False(t, mem.Contains(mem.Size()-1, 2))
	assert.False(t, mem.Contains(mem.Size()+1, 0))

	mem.Memset(100, 0xaa, 33)
	for i, b := range mem.Bytes(100, 33) {
		require.Equal(t, byte(0xaa), b, "byte %d", i)
	}
	assert.Equal(t, byte(0), mem.Bytes(99, 1)[0])
	assert.Equal(t, byte(0), mem.Bytes(133, 1)[0])

	mem.Memcopy(100, PageSize, 33)
	assert.Equal(t, mem.Bytes(100, 33), mem.Bytes(PageSize, 33))

	assert.PanicsWithValue(t, errAccessOutOfRange, func() { mem.Bytes(mem.Size()-4, 8) })
}

func TestTypedAccess(t *testing.T) {
	mem := NewMemory(make([]byte, PageSize))

	*At[uint64](mem, 8) = 0x1122334455667788
	assert.Equal(t, byte(0x88), mem.Bytes(8, 1)[0], "expected little-endian layout")

	words := SliceAt[uint32](mem, 16, 4)
	require.Len(t, words, 4)
	words[3] = 0xffffffff
	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff}, mem.Bytes(28, 4))

	assert.Nil(t, SliceAt[uint32](mem, 0, 0))
	assert.NoError(t, mem.Release())
}
