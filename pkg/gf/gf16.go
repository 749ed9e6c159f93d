package gf

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	size16 = 1 << 16
	poly16 = 0x1100B // generator polynomial

	topBit16 = 0x8000
)

var gf16 struct {
	once sync.Once
	log  []uint16
	ilog []uint16
	// split multiplication tables: low*low, low*high, high*high,
	// each 256 * 256 entries
	ll, lh, hh []uint16
}

// Init16 fills the GF(2^16) log, inverse log and split multiplication
// tables. The split tables let mulAdd16 multiply a buffer by a
// constant with two 256-entry lookups per 16-bit word.
func Init16() {
	gf16.once.Do(func() {
		gf16.log = make([]uint16, size16)
		gf16.ilog = make([]uint16, size16)
		for b, i := 1, 0; i < size16-1; i++ {
			gf16.log[b] = uint16(i)
			gf16.ilog[i] = uint16(b)
			b <<= 1
			if b&size16 != 0 {
				b ^= poly16
			}
		}
		gf16.log[0] = size16 - 1 // log(0) is not defined, use a sentinel
		gf16.ilog[size16-1] = 1

		gf16.ll = make([]uint16, 256*256)
		gf16.lh = make([]uint16, 256*256)
		gf16.hh = make([]uint16, 256*256)
		for a := 0; a < 256; a++ {
			for b := 0; b < 256; b++ {
				gf16.ll[a*256+b] = mul16(uint16(a), uint16(b))
				gf16.lh[a*256+b] = mul16(uint16(a), uint16(b)<<8)
				gf16.hh[a*256+b] = mul16(uint16(a)<<8, uint16(b)<<8)
			}
		}
	})
}

func mul16(a, b uint16) uint16 {
	if a == 0 || b == 0 {
		return 0
	}
	sum := int(gf16.log[a]) + int(gf16.log[b])
	if sum >= size16-1 {
		sum -= size16 - 1
	}
	return gf16.ilog[sum]
}

// Mul16 multiplies two GF(2^16) elements.
func Mul16(a, b uint16) uint16 {
	Init16()
	return mul16(a, b)
}

// Inv16 returns the multiplicative inverse of a nonzero element.
func Inv16(a uint16) uint16 {
	Init16()
	return gf16.ilog[size16-1-int(gf16.log[a])]
}

/* mulAdd16 computes dst[i] ^= c * src[i] over pairs of bytes holding
   little-endian 16-bit field elements. The two per-constant tables L
   and H are extracted from the split tables so the inner loop is two
   lookups and one xor per element. */
func mulAdd16(src, dst []byte, c uint16) {
	if c == 0 {
		return // nothing to add
	}
	cl := int(c & 0xFF)
	ch := int(c >> 8)
	var L, H [256]uint16
	for i := 0; i < 256; i++ {
		L[i] = gf16.ll[cl*256+i] ^ gf16.lh[i*256+ch]
		H[i] = gf16.lh[cl*256+i] ^ gf16.hh[ch*256+i]
	}
	for i := 0; i+1 < len(src); i += 2 {
		r := L[src[i]] ^ H[src[i+1]]
		dst[i] ^= byte(r)
		dst[i+1] ^= byte(r >> 8)
	}
}

func invertMatrix16(matrix []uint16, k int) bool {
	for row := 0; row < k; row++ {
		pivotRow := matrix[row*k : row*k+k]
		pivot := pivotRow[row]
		if pivot == 0 {
			return false
		}
		if pivot != 1 { // scale the pivot row
			inv := Inv16(pivot)
			pivotRow[row] = 1
			for col := 0; col < k; col++ {
				pivotRow[col] = mul16(pivotRow[col], inv)
			}
		}
		// subtract the pivot row from the other rows
		for row2 := 0; row2 < k; row2++ {
			if row2 == row {
				continue
			}
			dstRow := matrix[row2*k : row2*k+k]
			c := dstRow[row]
			dstRow[row] = 0
			for col := 0; col < k; col++ {
				dstRow[col] ^= mul16(pivotRow[col], c)
			}
		}
	}
	return true
}

func decMatrix16(bb, fbns []int) ([]uint16, error) {
	badBlocks := len(bb)
	m := make([]uint16, badBlocks*badBlocks)
	for row := 0; row < badBlocks; row++ {
		fbn := fbns[row] | topBit16
		for col := 0; col < badBlocks; col++ {
			m[row*badBlocks+col] = Inv16(uint16(fbn ^ bb[col]))
		}
	}
	if !invertMatrix16(m, badBlocks) {
		return nil, errors.New("bad decode matrix in GF(2^16)")
	}
	return m, nil
}

// RS16Encode fills fecBlock with the parity block fbn computed over
// the k data blocks of buffer.
func RS16Encode(buffer, lastbuf, fecBlock []byte, fbs, fbn, k int) {
	Init16()
	row := fbn | topBit16
	clear(fecBlock[:fbs])
	for col := 0; col < k; col++ {
		src := srcBlock(buffer, lastbuf, col, k, fbs)
		mulAdd16(src, fecBlock, Inv16(uint16(row^col)))
	}
}

// RS16Decode rebuilds the data blocks listed in bb from the parity
// blocks in fecbuf, as RS8Decode does for GF(2^8).
func RS16Decode(buffer, lastbuf []byte, bb, fbns []int, fecbuf []byte, fbs, k int) error {
	Init16()
	badBlocks := len(bb)
	for col, bi := 0, 0; col < k; col++ { // reduce
		if bi < badBlocks && col == bb[bi] {
			bi++
			continue
		}
		src := srcBlock(buffer, lastbuf, col, k, fbs)
		for row := 0; row < badBlocks; row++ {
			fbn := fbns[row] | topBit16
			mulAdd16(src, fecbuf[row*fbs:row*fbs+fbs], Inv16(uint16(fbn^col)))
		}
	}
	dec, err := decMatrix16(bb, fbns)
	if err != nil {
		return err
	}
	for col := 0; col < badBlocks; col++ { // solve
		dst := srcBlock(buffer, lastbuf, bb[col], k, fbs)
		clear(dst)
		for row := 0; row < badBlocks; row++ {
			mulAdd16(fecbuf[row*fbs:row*fbs+fbs], dst, dec[col*badBlocks+row])
		}
	}
	return nil
}

// Check16 verifies the field tables and the invertibility of the
// encode matrix for k data blocks, like Check8 does for GF(2^8).
// For large k only the matrix diagonals are checked.
func Check16(fbns []int, k int) error {
	if k == 0 {
		return nil
	}
	Init16()
	for a := 1; a < size16; a++ {
		if mul16(uint16(a), Inv16(uint16(a))) != 1 {
			return errors.Errorf("%d * ( 1/%d ) != 1 in GF(2^16)", a, a)
		}
	}
	enc := make([]uint16, k*k)
	random := len(fbns) == k
	for row := 0; row < k; row++ {
		fbn := row
		if random {
			fbn = fbns[row]
		}
		fbn |= topBit16
		for col := 0; col < k; col++ {
			enc[row*k+col] = Inv16(uint16(fbn ^ col))
		}
	}
	dec := make([]uint16, k*k)
	copy(dec, enc)
	if !invertMatrix16(dec, k) {
		return errors.New("GF(2^16) matrix not invertible")
	}
	check := func(row, col int) bool {
		var sum uint16
		for i := 0; i < k; i++ {
			sum ^= mul16(enc[row*k+i], dec[i*k+col])
		}
		var want uint16
		if row == col {
			want = 1
		}
		return sum == want
	}
	for row := 0; row < k; row++ {
		if k <= 1024 {
			for col := 0; col < k; col++ {
				if !check(row, col) {
					return errors.New("GF(2^16) matrix A * A^-1 != I")
				}
			}
		} else if !check(row, row) || !check(row, k-1-row) {
			return errors.New("GF(2^16) matrix A * A^-1 != I")
		}
	}
	return nil
}
