package fec

import (
	"crypto/md5"

	"github.com/lzrescue/lzrescue/pkg/gf"
)

// Repair rebuilds the bad payload blocks of prodata in place using the
// parity packets of the index. badBlocks is the ascending list of
// mismatched block indexes, as returned by Index.BadBlocks. The
// repaired payload is verified against the stored MD5.
func (x *Index) Repair(prodata []byte, badBlocks []int) error {
	if len(badBlocks) == 0 {
		return nil // nothing to repair
	}
	if len(badBlocks) > x.FecBlocks() {
		return fecError("Too many damaged blocks (%d). Can't repair file "+
			"if it contains more than %d damaged blocks.",
			len(badBlocks), x.FecBlocks())
	}

	fbs := int(x.fbs)
	// copy the fec blocks into fecbuf where the reduction is performed
	fecbuf := make([]byte, len(badBlocks)*fbs)
	fbns := make([]int, len(badBlocks))
	for bi := range badBlocks {
		fbns[bi] = x.FBN(bi)
		copy(fecbuf[bi*fbs:], x.FecBlock(bi))
	}
	prodataBlocks := x.ProdataBlocks()
	lastIsMissing := badBlocks[len(badBlocks)-1] == prodataBlocks-1
	// last incomplete data block padded to fbs
	lastbuf := SetLastBuf(prodata, fbs, lastIsMissing)
	var err error
	if x.gf16 {
		err = gf.RS16Decode(prodata, lastbuf, badBlocks, fbns, fecbuf, fbs, prodataBlocks)
	} else {
		err = gf.RS8Decode(prodata, lastbuf, badBlocks, fbns, fecbuf, fbs, prodataBlocks)
	}
	if err != nil {
		return &Error{Retval: 3, Msg: err.Error()}
	}
	if lastbuf != nil && lastIsMissing { // copy last block to its position
		di := badBlocks[len(badBlocks)-1]
		pos := x.BlockPos(di)
		size := x.BlockSize(di)
		copy(prodata[pos:pos+size], lastbuf)
	}
	if md5.Sum(prodata) != x.prodataMD5 {
		return fecError("Repair of input file failed.")
	}
	return nil
}

// Check reports nil when prodata matches the stored MD5 and every
// block CRC.
func (x *Index) Check(prodata []byte) error {
	if uint64(len(prodata)) != x.prodataSz {
		return fecError("Size mismatch between protected data and fec data.")
	}
	if bad := x.BadBlocks(prodata); len(bad) > 0 {
		return fecError("Block mismatches: %d", len(bad))
	}
	if md5.Sum(prodata) != x.prodataMD5 {
		return fecError("MD5 mismatch between protected data and fec data.")
	}
	return nil
}
