package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestInsertFixed(t *testing.T) {
	assert.Equal(t, "foo_fixed.lz", insertFixed("foo.lz"))
	assert.Equal(t, "bar_fixed.tlz", insertFixed("bar.tlz"))
	assert.Equal(t, "baz_fixed", insertFixed("baz"))
}

func TestParseRange(t *testing.T) {
	b, err := parseRange("100-200")
	require.NoError(t, err)
	assert.Equal(t, lzip.Block{Pos: 100, Size: 100}, b)

	b, err = parseRange("100,50")
	require.NoError(t, err)
	assert.Equal(t, lzip.Block{Pos: 100, Size: 50}, b)

	b, err = parseRange(",50")
	require.NoError(t, err)
	assert.Equal(t, lzip.Block{Pos: 0, Size: 50}, b)

	b, err = parseRange("1Ki")
	require.NoError(t, err)
	assert.Equal(t, int64(1024), b.Pos)

	_, err = parseRange("200-100")
	require.Error(t, err)
}

func TestParseBadByte(t *testing.T) {
	bad, err := parseBadByte("25,+1")
	require.NoError(t, err)
	assert.Equal(t, lzip.BadByte{Pos: 25, Mode: lzip.BadByteDelta, Value: 1}, bad)

	bad, err = parseBadByte("7,^0x80")
	require.NoError(t, err)
	assert.Equal(t, lzip.BadByte{Pos: 7, Mode: lzip.BadByteFlip, Value: 0x80}, bad)

	bad, err = parseBadByte("0,0x41")
	require.NoError(t, err)
	assert.Equal(t, lzip.BadByte{Pos: 0, Mode: lzip.BadByteLiteral, Value: 0x41}, bad)

	_, err = parseBadByte("25")
	require.Error(t, err)
}

func TestGrossDamage(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	assert.False(t, grossDamage(member))

	buf := append([]byte(nil), member...)
	for i := 40; i < 60; i++ {
		buf[i] = 0
	}
	assert.True(t, grossDamage(buf))
}

func TestZeroedSectorPos(t *testing.T) {
	member := readFixture(t, "seq1024.lz")

	t.Run("no damage", func(t *testing.T) {
		_, _, _, err := zeroedSectorPos(member)
		require.Error(t, err)
	})

	t.Run("one sector", func(t *testing.T) {
		buf := append([]byte(nil), member...)
		for i := 100; i < 140; i++ {
			buf[i] = 0
		}
		begin, size, value, err := zeroedSectorPos(buf)
		require.NoError(t, err)
		assert.Equal(t, int64(100), begin)
		assert.Equal(t, int64(40), size)
		assert.Equal(t, byte(0), value)
	})

	t.Run("two sectors rejected", func(t *testing.T) {
		buf := append([]byte(nil), member...)
		for i := 30; i < 45; i++ {
			buf[i] = 0
		}
		for i := 100; i < 140; i++ {
			buf[i] = 0x55
		}
		_, _, _, err := zeroedSectorPos(buf)
		require.Error(t, err)
	})
}

/* the core byte-repair property: after any single-byte delta fault
   inside the stream, the sweep restores a decodable member (and, for
   these fixtures, the original byte). */
func TestRepairMemberRoundTrip(t *testing.T) {
	member := readFixture(t, "seq1024.lz")
	var header lzip.Header
	copy(header[:], member)
	dictSize := header.DictSize()

	faults := []struct {
		pos   int64
		delta byte
	}{
		{pos: 25, delta: 1},    // scenario: flip 0x5A -> 0x5B style damage
		{pos: 7, delta: 0x80},  // just after the header
		{pos: 200, delta: 255}, // near the end of the stream
	}
	for _, fa := range faults {
		buf := append([]byte(nil), member...)
		orig := buf[fa.pos]
		buf[fa.pos] += fa.delta

		mt := lzma.NewTester(buf, dictSize)
		res := mt.Test()
		require.NotEqual(t, lzma.ResOK, res, "fault at %d did not damage member", fa.pos)
		failurePos := mt.MemberPosition()
		if failurePos >= int64(len(buf))-8 {
			failurePos = int64(len(buf)) - 8 - 1
		}

		pos := repairMember(buf, 0, lzip.HeaderSize+1, lzip.HeaderSize+6, dictSize)
		if pos == 0 {
			pos = repairMember(buf, 0, lzip.HeaderSize+7, failurePos, dictSize)
		}
		require.Greater(t, pos, int64(0), "fault at %d not repaired", fa.pos)
		assert.Equal(t, fa.pos, pos)
		assert.Equal(t, orig, buf[pos])

		mt = lzma.NewTester(buf, dictSize)
		assert.Equal(t, lzma.ResOK, mt.Test())
	}
}

func TestRepairDictionarySize(t *testing.T) {
	member := append([]byte(nil), readFixture(t, "seq1024.lz")...)
	// corrupt the coded dictionary size byte to an invalid value
	member[5] = 0x1F // 2^31, out of range
	pos := repairDictionarySize(member)
	assert.Equal(t, int64(5), pos)
	var h lzip.Header
	copy(h[:], member)
	assert.True(t, lzip.ValidDictSize(h.DictSize()))
	mt := lzma.NewTester(member, h.DictSize())
	assert.Equal(t, lzma.ResOK, mt.Test())
}

func TestDecodeImage(t *testing.T) {
	multi := readFixture(t, "multi.lz")
	orig := readFixture(t, "multi.orig")

	got, err := decodeImage(multi)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	_, err = decodeImage(multi[:len(multi)-5])
	require.Error(t, err)
}

func TestCombineBlocks(t *testing.T) {
	a := []lzip.Block{{Pos: 0, Size: 10}, {Pos: 20, Size: 10}}
	b := []lzip.Block{{Pos: 5, Size: 10}}
	got := combine(a, b)
	// all edges kept: 0-5, 5-10, 10-15, 20-30
	require.Len(t, got, 4)
	assert.Equal(t, lzip.Block{Pos: 0, Size: 5}, got[0])
	assert.Equal(t, lzip.Block{Pos: 5, Size: 5}, got[1])
	assert.Equal(t, lzip.Block{Pos: 10, Size: 5}, got[2])
	assert.Equal(t, lzip.Block{Pos: 20, Size: 10}, got[3])
}

func TestMaybeClusterBlocks(t *testing.T) {
	var blocks []lzip.Block
	for i := 0; i < 32; i++ {
		blocks = append(blocks, lzip.Block{Pos: int64(i * 10), Size: 2})
	}
	// 32 identical gaps cannot be clustered further
	got := maybeClusterBlocks(blocks)
	assert.Len(t, got, 32)

	blocks = nil
	for i := 0; i < 32; i++ {
		gap := int64(10)
		if i%2 == 0 {
			gap = 1000
		}
		var pos int64
		if i > 0 {
			pos = blocks[i-1].End() + gap
		}
		blocks = append(blocks, lzip.Block{Pos: pos, Size: 3})
	}
	got = maybeClusterBlocks(blocks)
	assert.LessOrEqual(t, len(got), 16)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Pos, got[i-1].End())
	}
}
