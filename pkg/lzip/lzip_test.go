package lzip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDictSizeCoding(t *testing.T) {
	testCases := []struct {
		desc string
		size uint
		want uint // decoded value, >= size
	}{
		{desc: "min", size: 1 << 12, want: 1 << 12},
		{desc: "pow2", size: 1 << 20, want: 1 << 20},
		{desc: "max", size: 1 << 29, want: 1 << 29},
		{desc: "fraction", size: (1 << 20) - (1<<20)/16, want: (1 << 20) - (1<<20)/16},
		{desc: "odd", size: (1 << 20) + 1, want: (1 << 21) - 7*(1<<21)/16},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var h Header
			h.SetMagic()
			require.True(t, h.SetDictSize(tc.size))
			got := h.DictSize()
			assert.Equal(t, tc.want, got)
			assert.GreaterOrEqual(t, got, tc.size)
			assert.True(t, h.Check(false))
		})
	}
}

func TestDictSizeCodingExhaustive(t *testing.T) {
	// every valid size must round up to the nearest representable one
	var h Header
	h.SetMagic()
	for size := uint(MinDictSize); size <= MaxDictSize; size += 4093 {
		require.True(t, h.SetDictSize(size))
		got := h.DictSize()
		require.GreaterOrEqual(t, got, size)
		require.True(t, ValidDictSize(got))
	}
	assert.False(t, h.SetDictSize(MinDictSize-1))
	assert.False(t, h.SetDictSize(MaxDictSize+1))
}

func TestHeaderChecks(t *testing.T) {
	var h Header
	h.SetMagic()
	h.SetDictSize(1 << 16)
	assert.True(t, h.CheckMagic())
	assert.True(t, h.CheckVersion())
	assert.True(t, h.CheckPrefix(3))

	h[0] = 'X'
	assert.False(t, h.CheckMagic())
	assert.True(t, h.CheckCorrupt()) // 3 of 4 magic bytes agree
	h[1] = 'X'
	assert.True(t, h.CheckCorrupt()) // 2 of 4
	h[2] = 'X'
	assert.False(t, h.CheckCorrupt()) // only 1 left
}

func TestTrailerConsistency(t *testing.T) {
	mk := func(crc uint32, dsize, msize uint64) *Trailer {
		var tr Trailer
		tr.SetDataCRC(crc)
		tr.SetDataSize(dsize)
		tr.SetMemberSize(msize)
		return &tr
	}
	testCases := []struct {
		desc string
		tr   *Trailer
		want bool
	}{
		{desc: "empty member", tr: mk(0, 0, 36), want: true},
		{desc: "normal", tr: mk(0xDEADBEEF, 1024, 300), want: true},
		{desc: "zero crc nonzero size", tr: mk(0, 1024, 300), want: false},
		{desc: "nonzero crc zero size", tr: mk(1, 0, 36), want: false},
		{desc: "member too small", tr: mk(1, 10, 35), want: false},
		{desc: "member too large for data", tr: mk(1, 8, 100), want: false},
		{desc: "data too large for member", tr: mk(1, 7090 * 100, 126), want: false},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.tr.CheckConsistency())
		})
	}
}

func TestBlockOps(t *testing.T) {
	b := Block{Pos: 10, Size: 20}
	assert.Equal(t, int64(30), b.End())
	assert.True(t, b.Includes(10))
	assert.True(t, b.Includes(29))
	assert.False(t, b.Includes(30))
	assert.True(t, b.Overlaps(Block{Pos: 29, Size: 5}))
	assert.False(t, b.Overlaps(Block{Pos: 30, Size: 5}))
	assert.True(t, b.Touches(Block{Pos: 30, Size: 5}))

	prefix := b.Split(15)
	assert.Equal(t, Block{Pos: 10, Size: 5}, prefix)
	assert.Equal(t, Block{Pos: 15, Size: 15}, b)

	empty := b.Split(100)
	assert.Equal(t, Block{}, empty)
	assert.Equal(t, Block{Pos: 15, Size: 15}, b)
}

func TestBadByte(t *testing.T) {
	assert.Equal(t, byte(0x42), BadByte{Mode: BadByteLiteral, Value: 0x42}.Apply(7))
	assert.Equal(t, byte(9), BadByte{Mode: BadByteDelta, Value: 2}.Apply(7))
	assert.Equal(t, byte(5), BadByte{Mode: BadByteFlip, Value: 2}.Apply(7))
}

func TestCRC(t *testing.T) {
	data := []byte("123456789")
	assert.Equal(t, uint32(0xCBF43926), CRC(data))  // well-known check value
	assert.Equal(t, uint32(0xE3069283), CRCC(data)) // CRC32-C check value
	// partial updates compose
	crc := CRCUpdate(0, data[:4])
	crc = CRCUpdate(crc, data[4:])
	assert.Equal(t, CRC(data), crc)
}
