// Package gf implements arithmetic over GF(2^8) and GF(2^16) and the
// Reed-Solomon code built on them. The encode matrix is a Cauchy
// matrix whose (row, col) entry is inverse(fbn^col) with the top bit
// set in fbn; it is derived on the fly and never stored. Addition and
// subtraction in both fields are exclusive or.
package gf

import (
	"sync"

	"github.com/pkg/errors"
)

const (
	size8 = 1 << 8
	poly8 = 0x11D // generator polynomial

	topBit8 = 0x80
)

var gf8 struct {
	once sync.Once
	log  [size8]uint8
	ilog [size8]uint8
	mul  []uint8 // size8 * size8
}

// Init8 fills the GF(2^8) log, inverse log and multiplication tables.
// It is called lazily by every entry point and is safe to call early.
func Init8() {
	gf8.once.Do(func() {
		gf8.mul = make([]uint8, size8*size8)
		for b, i := 1, 0; i < size8-1; i++ {
			gf8.log[b] = uint8(i)
			gf8.ilog[i] = uint8(b)
			b <<= 1
			if b&size8 != 0 {
				b ^= poly8
			}
		}
		gf8.log[0] = size8 - 1 // log(0) is not defined, use a sentinel
		gf8.ilog[size8-1] = 1

		for i := 1; i < size8; i++ {
			row := gf8.mul[i*size8:]
			for j := 1; j < size8; j++ {
				row[j] = gf8.ilog[(int(gf8.log[i])+int(gf8.log[j]))%(size8-1)]
			}
		}
		for i := 0; i < size8; i++ {
			gf8.mul[i] = 0
			gf8.mul[i*size8] = 0
		}
	})
}

// Mul8 multiplies two GF(2^8) elements.
func Mul8(a, b uint8) uint8 {
	Init8()
	return gf8.mul[int(a)*size8+int(b)]
}

// Inv8 returns the multiplicative inverse of a nonzero element.
func Inv8(a uint8) uint8 {
	Init8()
	return gf8.ilog[size8-1-int(gf8.log[a])]
}

// mulAdd8 computes dst[i] ^= c * src[i].
func mulAdd8(src, dst []byte, c uint8) {
	if c == 0 {
		return // nothing to add
	}
	row := gf8.mul[int(c)*size8 : int(c)*size8+size8]
	for i, s := range src {
		dst[i] ^= row[s]
	}
}

/* invertMatrix8 inverts a k*k matrix in place. This is Gaussian
   elimination against a virtual identity matrix:
   A --some_changes--> I, I --same_changes--> A^-1.
   Galois arithmetic is exact; row and column swapping is not needed
   for the Cauchy submatrices used here. */
func invertMatrix8(matrix []uint8, k int) bool {
	for row := 0; row < k; row++ {
		pivotRow := matrix[row*k : row*k+k]
		pivot := pivotRow[row]
		if pivot == 0 {
			return false
		}
		if pivot != 1 { // scale the pivot row
			mulRow := gf8.mul[int(Inv8(pivot))*size8:]
			pivotRow[row] = 1
			for col := 0; col < k; col++ {
				pivotRow[col] = mulRow[pivotRow[col]]
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
			mulRow := gf8.mul[int(c)*size8:]
			for col := 0; col < k; col++ {
				dstRow[col] ^= mulRow[pivotRow[col]]
			}
		}
	}
	return true
}

// decMatrix8 builds the decode submatrix for the missing data blocks
// and inverts it in place.
func decMatrix8(bb, fbns []int) ([]uint8, error) {
	badBlocks := len(bb)
	m := make([]uint8, badBlocks*badBlocks)
	for row := 0; row < badBlocks; row++ {
		fbn := fbns[row] | topBit8
		for col := 0; col < badBlocks; col++ {
			m[row*badBlocks+col] = Inv8(uint8(fbn ^ bb[col]))
		}
	}
	if !invertMatrix8(m, badBlocks) {
		return nil, errors.New("bad decode matrix in GF(2^8)")
	}
	return m, nil
}

func srcBlock(buffer, lastbuf []byte, col, k, fbs int) []byte {
	last := k
	if lastbuf != nil {
		last = k - 1
	}
	if col < last {
		return buffer[col*fbs : col*fbs+fbs]
	}
	return lastbuf[:fbs]
}

// RS8Encode fills fecBlock with the parity block fbn computed over the
// k data blocks of buffer. lastbuf, when non-nil, is the last data
// block zero-padded to fbs bytes.
func RS8Encode(buffer, lastbuf, fecBlock []byte, fbs, fbn, k int) {
	Init8()
	row := fbn | topBit8
	clear(fecBlock[:fbs])
	for col := 0; col < k; col++ {
		src := srcBlock(buffer, lastbuf, col, k, fbs)
		mulAdd8(src, fecBlock, Inv8(uint8(row^col)))
	}
}

/* RS8Decode rebuilds the data blocks listed in bb from the parity
   blocks in fecbuf (one per entry of fbns, concatenated). The decode
   first subtracts the contribution of every present column from the
   parity blocks, then solves the remaining system with the inverted
   Cauchy submatrix. Repaired blocks are written in place in buffer
   and lastbuf. */
func RS8Decode(buffer, lastbuf []byte, bb, fbns []int, fecbuf []byte, fbs, k int) error {
	Init8()
	badBlocks := len(bb)
	for col, bi := 0, 0; col < k; col++ { // reduce
		if bi < badBlocks && col == bb[bi] {
			bi++
			continue
		}
		src := srcBlock(buffer, lastbuf, col, k, fbs)
		for row := 0; row < badBlocks; row++ {
			fbn := fbns[row] | topBit8
			mulAdd8(src, fecbuf[row*fbs:row*fbs+fbs], Inv8(uint8(fbn^col)))
		}
	}
	dec, err := decMatrix8(bb, fbns)
	if err != nil {
		return err
	}
	for col := 0; col < badBlocks; col++ { // solve
		dst := srcBlock(buffer, lastbuf, bb[col], k, fbs)
		clear(dst)
		for row := 0; row < badBlocks; row++ {
			mulAdd8(fecbuf[row*fbs:row*fbs+fbs], dst, dec[col*badBlocks+row])
		}
	}
	return nil
}

// Check8 verifies the field tables and the invertibility of the
// encode matrix for k data blocks. fbns may supply the k row numbers
// of a random-fbn matrix; when shorter, rows 0..k-1 are used.
func Check8(fbns []int, k int) error {
	if k == 0 {
		return nil
	}
	Init8()
	for a := 1; a < size8; a++ {
		if Mul8(uint8(a), Inv8(uint8(a))) != 1 {
			return errors.Errorf("%d * ( 1/%d ) != 1 in GF(2^8)", a, a)
		}
	}
	enc := make([]uint8, k*k)
	random := len(fbns) == k
	for row := 0; row < k; row++ {
		fbn := row
		if random {
			fbn = fbns[row]
		}
		fbn |= topBit8
		for col := 0; col < k; col++ {
			enc[row*k+col] = Inv8(uint8(fbn ^ col))
		}
	}
	dec := make([]uint8, k*k)
	copy(dec, enc)
	if !invertMatrix8(dec, k) {
		return errors.New("GF(2^8) matrix not invertible")
	}
	// check that enc * dec == I
	for row := 0; row < k; row++ {
		for col := 0; col < k; col++ {
			var sum uint8
			for i := 0; i < k; i++ {
				sum ^= Mul8(enc[row*k+i], dec[i*k+col])
			}
			var want uint8
			if row == col {
				want = 1
			}
			if sum != want {
				return errors.New("GF(2^8) matrix A * A^-1 != I")
			}
		}
	}
	return nil
}
