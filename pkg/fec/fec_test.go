package fec

import (
	"bytes"
	"context"
	"crypto/md5"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodedFBSRoundTrip(t *testing.T) {
	testCases := []struct {
		desc    string
		fbs     uint64
		unit    uint64
		want    uint64 // decoded value, >= fbs and multiple of unit
		wantErr bool
	}{
		{desc: "min", fbs: 512, unit: 512, want: 512},
		{desc: "pow2", fbs: 65536, unit: 512, want: 65536},
		{desc: "odd multiple", fbs: 512 * 3, unit: 512, want: 512 * 3},
		{desc: "large", fbs: 1 << 40, unit: 65536, want: 1 << 40},
		{desc: "max", fbs: MaxFBS, unit: 65536, want: MaxFBS},
		{desc: "not a multiple of 512", fbs: 513, unit: 512, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			c, err := NewCodedFBS(tc.fbs, tc.unit)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			got := c.Value()
			assert.Equal(t, tc.want, got)
			assert.True(t, ValidFBS(got))
			assert.Zero(t, got%tc.unit)
		})
	}
}

func TestComputeFBSInvariants(t *testing.T) {
	sizes := []uint64{1, 511, 512, 4096, 100000, 1 << 20, 10 << 20, 1 << 28}
	for _, p := range sizes {
		for level := 0; level <= 9; level++ {
			c, err := ComputeFBS(p, 0, level)
			require.NoError(t, err, "P=%d level=%d", p, level)
			b := c.Value()
			assert.Zero(t, b%512)
			assert.GreaterOrEqual(t, b, uint64(MinFBS))
			assert.LessOrEqual(t, b, uint64(MaxFBS))
			maxK := uint64(MaxK8)
			if level != 0 {
				maxK = MaxK16
			}
			assert.LessOrEqual(t, ceilDivide(p, b), maxK,
				"P=%d level=%d fbs=%d", p, level, b)
		}
	}
}

func TestComputeFecBlocksModes(t *testing.T) {
	p := uint64(10 << 20)
	cfbs, err := ComputeFBS(p, 0, 9)
	require.NoError(t, err)
	fbs := cfbs.Value()
	dataBlocks := ceilDivide(p, fbs)

	blocks := ComputeFecBlocks(p, CreateOptions{Amount: 4, Type: FCBlocks, Level: 9}, cfbs)
	assert.Equal(t, 4, blocks)

	blocks = ComputeFecBlocks(p, CreateOptions{Amount: 10000, Type: FCPercent, Level: 9}, cfbs)
	wantBytes := p / 10 // 10%
	assert.Equal(t, int(ceilDivide(wantBytes, fbs)), blocks)

	blocks = ComputeFecBlocks(p, CreateOptions{Amount: 3 * fbs, Type: FCBytes, Level: 9}, cfbs)
	assert.Equal(t, 3, blocks)

	// capped at the number of data blocks
	blocks = ComputeFecBlocks(p, CreateOptions{Amount: 1 << 30, Type: FCBlocks, Level: 9}, cfbs)
	assert.LessOrEqual(t, uint64(blocks), dataBlocks)
}

func buildFec(t *testing.T, payload []byte, opts CreateOptions) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := WriteFec(context.Background(), &buf, payload, opts)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestWriteFecLayout(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	payload := make([]byte, 300000)
	rng.Read(payload)
	fecdata := buildFec(t, payload, CreateOptions{
		Amount: 10000, Type: FCPercent, Level: 9, Workers: 1,
	})
	assert.Zero(t, len(fecdata)%4)

	x, err := NewIndex(fecdata, false, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(payload)), x.ProdataSize())
	assert.Equal(t, md5.Sum(payload), x.ProdataMD5())
	assert.NotZero(t, x.FecBlocks())
	// packets appear in strict fbn order
	for i := 1; i < x.FecBlocks(); i++ {
		assert.Equal(t, x.FBN(i-1)+1, x.FBN(i))
	}
	assert.Nil(t, x.Check(payload))
}

func TestParallelMatchesSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	payload := make([]byte, 200000)
	rng.Read(payload)
	serial := buildFec(t, payload, CreateOptions{
		Amount: 20000, Type: FCPercent, Level: 9, Workers: 1,
	})
	parallel := buildFec(t, payload, CreateOptions{
		Amount: 20000, Type: FCPercent, Level: 9, Workers: 4,
	})
	assert.Equal(t, serial, parallel)
}

func TestPacketValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	payload := make([]byte, 100000)
	rng.Read(payload)
	fecdata := buildFec(t, payload, CreateOptions{
		Amount: 2, Type: FCBlocks, Level: 9, Workers: 1,
	})

	t.Run("chksum accepted", func(t *testing.T) {
		size := CheckChksumImage(fecdata)
		assert.Greater(t, size, uint64(2))
	})
	t.Run("wrong magic", func(t *testing.T) {
		bad := append([]byte(nil), fecdata...)
		bad[0] ^= 0xFF
		assert.Equal(t, uint64(0), CheckChksumImage(bad))
	})
	t.Run("wrong header crc", func(t *testing.T) {
		bad := append([]byte(nil), fecdata...)
		bad[8] ^= 0xFF // inside the header
		assert.Equal(t, uint64(2), CheckChksumImage(bad))
	})
	t.Run("fec packet accepted", func(t *testing.T) {
		off := CheckChksumImage(fecdata)
		size := CheckFecImage(fecdata[off:])
		assert.Greater(t, size, uint64(2))
	})
	t.Run("fec payload crc", func(t *testing.T) {
		off := int(CheckChksumImage(fecdata))
		bad := append([]byte(nil), fecdata[off:]...)
		bad[fecHeaderSize+3] ^= 0xFF // inside the parity block
		assert.Equal(t, uint64(2), CheckFecImage(bad))
	})
}

func TestRepairErasures(t *testing.T) {
	testCases := []struct {
		desc    string
		size    int
		level   int
		amount  uint64
		gf16    bool
		sectors int
	}{
		{desc: "gf8 two sectors", size: 1 << 20, level: 0, amount: 10000, sectors: 2},
		{desc: "gf16 two sectors", size: 1 << 20, level: 9, amount: 10000, gf16: true, sectors: 2},
		{desc: "last block short", size: 1<<20 - 100, level: 9, amount: 10000, sectors: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(tc.size + tc.level)))
			payload := make([]byte, tc.size)
			rng.Read(payload)
			orig := append([]byte(nil), payload...)
			fecdata := buildFec(t, payload, CreateOptions{
				Amount: tc.amount, Type: FCPercent, Level: tc.level,
				GF16: tc.gf16, Workers: 2,
			})
			x, err := NewIndex(fecdata, false, false)
			require.NoError(t, err)

			// zero out block-sized sectors spaced two block sizes apart,
			// counting back from the end; the last fbs bytes stay intact
			fbs := int(x.FBS())
			for s := 0; s < tc.sectors; s++ {
				pos := tc.size - (s+1)*fbs*2
				end := pos + fbs
				for i := pos; i < end && i < tc.size; i++ {
					payload[i] = 0
				}
			}
			bad := x.BadBlocks(payload)
			require.NotEmpty(t, bad)
			require.LessOrEqual(t, len(bad), x.FecBlocks())
			require.NoError(t, x.Repair(payload, bad))
			assert.Equal(t, orig, payload)
			assert.Equal(t, md5.Sum(orig), md5.Sum(payload))
		})
	}
}

func TestRepairTooManyBadBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	payload := make([]byte, 1<<20)
	rng.Read(payload)
	fecdata := buildFec(t, payload, CreateOptions{
		Amount: 2, Type: FCBlocks, Level: 9, Workers: 1,
	})
	x, err := NewIndex(fecdata, false, false)
	require.NoError(t, err)
	for i := range payload {
		payload[i] = 0
	}
	bad := x.BadBlocks(payload)
	require.Greater(t, len(bad), x.FecBlocks())
	err = x.Repair(payload, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Too many damaged blocks")
}

func TestIndexRejectsGarbage(t *testing.T) {
	_, err := NewIndex([]byte("this is not fec data and it is long enough to parse"), false, false)
	require.Error(t, err)
	var fe *Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Retval)
}

func TestZeroedBlockHeuristic(t *testing.T) {
	// with no CRC array the only signal for an lzip payload is a run
	// of eight or more identical bytes
	x := &Index{fbs: 512, prodataSz: 1024, isLZ: true}
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i % 251) // no two adjacent bytes are equal
	}
	assert.Empty(t, x.BadBlocks(payload))
	for i := 600; i < 700; i++ {
		payload[i] = 0
	}
	assert.Equal(t, []int{1}, x.BadBlocks(payload))
}

func TestRandomFBNs(t *testing.T) {
	fbns := randomFBNs(64, false)
	assert.Len(t, fbns, 64)
	seen := map[int]bool{}
	for _, f := range fbns {
		assert.GreaterOrEqual(t, f, 0)
		assert.Less(t, f, MaxK8)
		assert.False(t, seen[f], "duplicate fbn %d", f)
		seen[f] = true
	}
}

func TestSetLastBuf(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5}
	assert.Nil(t, SetLastBuf(payload[:4], 4, false))
	lb := SetLastBuf(payload, 4, false)
	require.NotNil(t, lb)
	assert.Equal(t, []byte{5, 0, 0, 0}, lb)
	lb = SetLastBuf(payload, 4, true)
	assert.Equal(t, []byte{0, 0, 0, 0}, lb)
}
