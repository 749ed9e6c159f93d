package index

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func newIndex(t *testing.T, data []byte, opts Options) (*Index, error) {
	t.Helper()
	return New(bytes.NewReader(data), int64(len(data)), opts)
}

func TestSingleMember(t *testing.T) {
	data := readFixture(t, "seq1024.lz")
	x, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.NoError(t, err)
	assert.Equal(t, 1, x.Members())
	assert.Equal(t, lzip.Block{Pos: 0, Size: int64(len(data))}, x.MBlock(0))
	assert.Equal(t, lzip.Block{Pos: 0, Size: 1024}, x.DBlock(0))
	assert.Equal(t, uint(4096), x.DictSize(0))
	assert.Equal(t, int64(len(data)), x.CDataSize())
	assert.Equal(t, int64(1024), x.UDataSize())
	assert.Equal(t, 1, x.Blocks(true))
}

func TestMultiMember(t *testing.T) {
	data := readFixture(t, "multi.lz")
	x, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.NoError(t, err)
	require.Equal(t, 3, x.Members())
	// member blocks tile the file
	assert.Equal(t, int64(0), x.MBlock(0).Pos)
	for i := 1; i < 3; i++ {
		assert.Equal(t, x.MBlock(i-1).End(), x.MBlock(i).Pos)
	}
	assert.Equal(t, int64(len(data)), x.MBlock(2).End())
	// data blocks are chained
	assert.Equal(t, int64(0), x.DBlock(0).Pos)
	for i := 1; i < 3; i++ {
		assert.Equal(t, x.DBlock(i-1).End(), x.DBlock(i).Pos)
	}
	orig := readFixture(t, "multi.orig")
	assert.Equal(t, int64(len(orig)), x.UDataSize())
}

func TestTrailingData(t *testing.T) {
	data := readFixture(t, "multi_trailing.lz")

	t.Run("allowed by default", func(t *testing.T) {
		x, err := newIndex(t, data, Options{IgnoreTrailing: true})
		require.NoError(t, err)
		assert.Equal(t, 3, x.Members())
		assert.Less(t, x.CDataSize(), x.FileSize())
		assert.Equal(t, 4, x.Blocks(true))
		assert.Equal(t, 3, x.Blocks(false))
	})

	t.Run("rejected when trailing is an error", func(t *testing.T) {
		_, err := newIndex(t, data, Options{})
		require.Error(t, err)
		var ie *Error
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, 2, ie.Retval)
	})
}

func TestGap(t *testing.T) {
	data := readFixture(t, "gap.lz")

	t.Run("found with ignore gaps", func(t *testing.T) {
		x, err := newIndex(t, data, Options{IgnoreTrailing: true, IgnoreGaps: true})
		require.NoError(t, err)
		require.Equal(t, 2, x.Members())
		assert.Equal(t, int64(0), x.MBlock(0).Pos)
		// the second member starts after the junk
		assert.Greater(t, x.MBlock(1).Pos, x.MBlock(0).End())
		assert.Equal(t, int64(len(data)), x.MBlock(1).End())
		assert.Equal(t, 3, x.Blocks(false)) // 2 members + 1 gap
	})

	t.Run("rejected without ignore gaps", func(t *testing.T) {
		_, err := newIndex(t, data, Options{IgnoreTrailing: true})
		require.Error(t, err)
	})
}

func TestBadMagic(t *testing.T) {
	data := append([]byte("NOTLZIP!"), readFixture(t, "seq1024.lz")...)
	_, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad magic")
}

func TestTruncatedFile(t *testing.T) {
	data := readFixture(t, "seq1024.lz")
	_, err := newIndex(t, data[:len(data)-7], Options{IgnoreTrailing: true})
	require.Error(t, err)
}

func TestTooShort(t *testing.T) {
	_, err := newIndex(t, make([]byte, 10), Options{})
	require.Error(t, err)
	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Retval)
}

func TestMaxPos(t *testing.T) {
	// scanning up to the end of the first member finds only it
	data := readFixture(t, "multi.lz")
	full, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.NoError(t, err)
	x, err := newIndex(t, data, Options{
		IgnoreTrailing: true, MaxPos: full.MBlock(0).End(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, x.Members())
	assert.Equal(t, full.MBlock(0), x.MBlock(0))
}

func TestMultiFileIndex(t *testing.T) {
	data := readFixture(t, "multi.lz")
	// two damaged copies: one with a broken trailer of member 1, the
	// other with a broken header of member 2
	full, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.NoError(t, err)

	copyA := append([]byte(nil), data...)
	copyB := append([]byte(nil), data...)
	copyA[full.MBlock(0).End()-10] ^= 0xFF // trailer of member 1
	copyB[full.MBlock(1).Pos] ^= 0xFF      // header magic of member 2

	x, err := NewMulti([]io.ReaderAt{
		bytes.NewReader(copyA), bytes.NewReader(copyB),
	}, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, 3, x.Members())
	for i := 0; i < 3; i++ {
		assert.Equal(t, full.MBlock(i), x.MBlock(i))
	}
}

func TestEqual(t *testing.T) {
	data := readFixture(t, "multi.lz")
	a, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.NoError(t, err)
	b, err := newIndex(t, data, Options{IgnoreTrailing: true})
	require.NoError(t, err)
	single, err := newIndex(t, readFixture(t, "seq1024.lz"), Options{IgnoreTrailing: true})
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(single))
}
