package gf

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGF8FieldAxioms(t *testing.T) {
	Init8()
	for a := 1; a < 256; a++ {
		inv := Inv8(uint8(a))
		require.Equal(t, uint8(1), Mul8(uint8(a), inv), "a=%d", a)
	}
	for a := 0; a < 256; a++ {
		assert.Equal(t, uint8(0), Mul8(uint8(a), 0))
		assert.Equal(t, uint8(0), Mul8(0, uint8(a)))
		assert.Equal(t, uint8(a), Mul8(uint8(a), 1))
	}
	// commutativity and distributivity on a sample
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		a, b, c := uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256))
		assert.Equal(t, Mul8(a, b), Mul8(b, a))
		assert.Equal(t, Mul8(a, b^c), Mul8(a, b)^Mul8(a, c))
	}
}

func TestGF16FieldAxioms(t *testing.T) {
	Init16()
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		a := uint16(rng.Intn(65535) + 1)
		require.Equal(t, uint16(1), Mul16(a, Inv16(a)), "a=%d", a)
	}
	for i := 0; i < 1000; i++ {
		a, b, c := uint16(rng.Intn(65536)), uint16(rng.Intn(65536)), uint16(rng.Intn(65536))
		assert.Equal(t, Mul16(a, b), Mul16(b, a))
		assert.Equal(t, Mul16(a, b^c), Mul16(a, b)^Mul16(a, c))
	}
}

func TestMulAdd16MatchesScalar(t *testing.T) {
	Init16()
	rng := rand.New(rand.NewSource(3))
	src := make([]byte, 512)
	rng.Read(src)
	for _, c := range []uint16{0, 1, 2, 0x8001, 0xFFFF, 0x1234} {
		dst := make([]byte, 512)
		rng.Read(dst)
		want := make([]byte, 512)
		copy(want, dst)
		for i := 0; i+1 < len(src); i += 2 {
			s := uint16(src[i]) | uint16(src[i+1])<<8
			r := Mul16(s, c)
			want[i] ^= byte(r)
			want[i+1] ^= byte(r >> 8)
		}
		mulAdd16(src, dst, c)
		assert.Equal(t, want, dst, "c=%#x", c)
	}
}

func TestCheckMatrices(t *testing.T) {
	assert.NoError(t, Check8(nil, 1))
	assert.NoError(t, Check8(nil, 16))
	assert.NoError(t, Check8(nil, 128))
	assert.NoError(t, Check16(nil, 32))
	// random fbn rows stay invertible
	assert.NoError(t, Check8([]int{5, 99, 3, 42}, 4))
	assert.NoError(t, Check16([]int{10000, 3, 777, 32000}, 4))
}

func TestInvertMatrixSingular(t *testing.T) {
	Init8()
	m := []uint8{
		1, 2,
		1, 2, // linearly dependent
	}
	assert.False(t, invertMatrix8(m, 2))
}

func rsRoundTrip(t *testing.T, gf16 bool, k, fbs, nBad int) {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(k*fbs + nBad)))
	// payload with an incomplete last block
	payloadSize := (k-1)*fbs + fbs/2
	payload := make([]byte, payloadSize)
	rng.Read(payload)
	orig := append([]byte(nil), payload...)

	// last data block zero padded to fbs bytes
	lastbuf := make([]byte, fbs)
	copy(lastbuf, payload[(k-1)*fbs:])

	// encode nBad parity blocks
	fecbuf := make([]byte, nBad*fbs)
	fbns := make([]int, nBad)
	for i := 0; i < nBad; i++ {
		fbns[i] = i
		if gf16 {
			RS16Encode(payload, lastbuf, fecbuf[i*fbs:(i+1)*fbs], fbs, i, k)
		} else {
			RS8Encode(payload, lastbuf, fecbuf[i*fbs:(i+1)*fbs], fbs, i, k)
		}
	}

	// erase nBad data blocks, including the incomplete last one
	bad := make([]int, 0, nBad)
	for i := 0; i < nBad-1; i++ {
		bad = append(bad, i*2)
	}
	bad = append(bad, k-1)
	for _, bi := range bad {
		end := (bi + 1) * fbs
		if end > payloadSize {
			end = payloadSize
		}
		for j := bi * fbs; j < end; j++ {
			payload[j] = 0xAA
		}
	}

	lastIsMissing := bad[len(bad)-1] == k-1
	lastbuf = make([]byte, fbs) // decoder fills the missing last block
	if !lastIsMissing {
		copy(lastbuf, orig[(k-1)*fbs:])
	}
	var err error
	if gf16 {
		err = RS16Decode(payload, lastbuf, bad, fbns, fecbuf, fbs, k)
	} else {
		err = RS8Decode(payload, lastbuf, bad, fbns, fecbuf, fbs, k)
	}
	require.NoError(t, err)
	copy(payload[(k-1)*fbs:], lastbuf)
	assert.Equal(t, orig, payload)
}

func TestRS8RoundTrip(t *testing.T) {
	rsRoundTrip(t, false, 8, 512, 3)
	rsRoundTrip(t, false, 16, 512, 8)
}

func TestRS16RoundTrip(t *testing.T) {
	rsRoundTrip(t, true, 8, 512, 3)
	rsRoundTrip(t, true, 20, 512, 5)
}
