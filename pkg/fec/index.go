package fec

import (
	"github.com/pkg/errors"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

// Error is a fec parsing or repair failure. Retval follows the exit
// code convention: 1 environmental, 2 corrupt data.
type Error struct {
	Retval int
	Msg    string
}

func (e *Error) Error() string { return e.Msg }

func fecError(format string, args ...interface{}) error {
	return &Error{Retval: 2, Msg: errors.Errorf(format, args...).Error()}
}

// Index is the parsed view of one fec file: the chksum packets (at
// most one CRC32 array and one CRC32-C array) and the fec packets in
// file order.
type Index struct {
	crcPacket  *ChksumPacket // packet carrying the CRC32 array
	crccPacket *ChksumPacket // packet carrying the CRC32-C array
	fecPackets []FecPacket
	netSize    uint64 // size of valid packets, not of the file
	fbs        uint64
	prodataSz  uint64
	prodataMD5 [16]byte
	gf16       bool
	isLZ       bool // payload is an lzip file, enables the zero heuristic
}

// FBS returns the fec block size.
func (x *Index) FBS() uint64 { return x.fbs }

// FecBlocks returns the number of fec packets.
func (x *Index) FecBlocks() int { return len(x.fecPackets) }

// FecBytes returns the total parity payload.
func (x *Index) FecBytes() uint64 { return uint64(x.FecBlocks()) * x.fbs }

// NetSize returns the byte count of the valid packets.
func (x *Index) NetSize() uint64 { return x.netSize }

// FecBlock returns the parity bytes of packet i.
func (x *Index) FecBlock(i int) []byte { return x.fecPackets[i].Block() }

// FBN returns the block number of packet i.
func (x *Index) FBN(i int) int { return x.fecPackets[i].FBN() }

// GF16 reports whether the parity uses GF(2^16).
func (x *Index) GF16() bool { return x.gf16 }

// ProdataSize returns the protected payload size.
func (x *Index) ProdataSize() uint64 { return x.prodataSz }

// ProdataMD5 returns the stored payload MD5.
func (x *Index) ProdataMD5() [16]byte { return x.prodataMD5 }

// ProdataBlocks returns the number of payload blocks.
func (x *Index) ProdataBlocks() int {
	return int(ceilDivide(x.prodataSz, x.fbs))
}

// HasArray reports whether at least one CRC array is available.
func (x *Index) HasArray() bool { return x.crcPacket != nil || x.crccPacket != nil }

// CRCArray returns the chksum packet holding the CRC32 array, if any.
func (x *Index) CRCArray() *ChksumPacket { return x.crcPacket }

// CRCCArray returns the chksum packet holding the CRC32-C array, if any.
func (x *Index) CRCCArray() *ChksumPacket { return x.crccPacket }

// BlockPos returns the payload position of block i.
func (x *Index) BlockPos(i int) uint64 { return uint64(i) * x.fbs }

// BlockSize returns the payload size of block i, zero past the end.
func (x *Index) BlockSize(i int) uint64 {
	pos := uint64(i) * x.fbs
	if pos >= x.prodataSz {
		return 0
	}
	if x.prodataSz-pos < x.fbs {
		return x.prodataSz - pos
	}
	return x.fbs
}

func (x *Index) parseChksum(p ChksumPacket, ignoreErrors bool) error {
	if x.prodataSz == 0 { // first chksum packet
		x.prodataSz = p.ProdataSize()
		x.prodataMD5 = p.ProdataMD5()
		x.gf16 = p.GF16()
	} else {
		if x.prodataSz != p.ProdataSize() {
			return fecError("Contradictory protected data size in chksum packet.")
		}
		if x.prodataMD5 != p.ProdataMD5() {
			return fecError("Contradictory protected data MD5 in chksum packet.")
		}
		if x.gf16 != p.GF16() {
			return fecError("Contradictory Galois Field size in chksum packet.")
		}
	}
	if !ValidFBS(x.fbs) {
		x.fbs = p.FBS()
	} else if x.fbs != p.FBS() {
		return fecError("Contradictory fec_block_size in chksum packet.")
	}
	if !p.CheckPayloadCRC() { // corrupt array
		if ignoreErrors {
			return nil
		}
		return fecError("Corrupt CRC array in chksum packet.")
	}
	if !p.IsCRCC() {
		if x.crcPacket != nil {
			return fecError("More than one CRC32 array found.")
		}
		x.crcPacket = &p
	} else {
		if x.crccPacket != nil {
			return fecError("More than one CRC32-C array found.")
		}
		x.crccPacket = &p
	}
	return nil
}

// NewIndex parses the fec data image. With ignoreErrors, corrupt
// packets are skipped by resynchronizing on the next magic byte.
// isLZ marks the payload as an lzip file so bad blocks can be found
// by the zeroed-run heuristic when no CRC array survives.
func NewIndex(fecdata []byte, ignoreErrors, isLZ bool) (*Index, error) {
	x := &Index{isLZ: isLZ}
	if len(fecdata) == 0 {
		return nil, fecError("Fec file is empty.")
	}
	if len(fecdata) >= magicLen && !CheckMagic(fecdata) {
		return nil, fecError("Bad magic number (file is not fec data).")
	}
	if len(fecdata) < MinChksumPacketSize+MinFecPacketSize {
		return nil, fecError("Fec file is too short.")
	}
	if fecdata[versionOffset] != 0 {
		return nil, fecError("Version %d fec format not supported.", fecdata[versionOffset])
	}

	// pos usually points to a packet header, except when skipping a
	// corrupt packet
	for pos := 0; pos < len(fecdata); {
		imageSize := CheckChksumImage(fecdata[pos:])
		if imageSize > 2 {
			p := ParseChksumPacket(fecdata[pos : pos+int(imageSize)])
			if err := x.parseChksum(p, ignoreErrors); err != nil {
				return nil, err
			}
			x.netSize += imageSize
			pos += int(imageSize)
			continue
		}
		if imageSize != 0 && ignoreErrors {
			pos++
			continue
		}
		if imageSize == 1 {
			return nil, fecError("Wrong packet size in chksum packet.")
		}
		if imageSize == 2 {
			return nil, fecError("Wrong CRC in chksum packet.")
		}

		imageSize = CheckFecImage(fecdata[pos:])
		if imageSize > 2 {
			p := ParseFecPacket(fecdata[pos : pos+int(imageSize)])
			if !ValidFBS(x.fbs) {
				x.fbs = p.FBS()
			} else if x.fbs != p.FBS() {
				return nil, fecError("Contradictory fec_block_size in fec packet.")
			}
			x.fecPackets = append(x.fecPackets, p)
			x.netSize += imageSize
			pos += int(imageSize)
			continue
		}
		if imageSize != 0 && ignoreErrors {
			pos++
			continue
		}
		if imageSize == 1 {
			return nil, fecError("Wrong packet size in fec packet.")
		}
		if imageSize == 2 {
			return nil, fecError("Wrong CRC in fec packet.")
		}

		if ignoreErrors {
			pos++
			for pos < len(fecdata) && fecdata[pos] != Magic[0] {
				pos++
			}
			continue
		}
		return nil, fecError("Unknown packet type = % X", fecdata[pos:pos+min(magicLen, len(fecdata)-pos)])
	}
	if x.prodataSz == 0 {
		return nil, fecError("No valid chksum packets found.")
	}
	if x.FecBlocks() == 0 {
		return nil, fecError("No valid fec packets found.")
	}
	if !x.HasArray() && !ignoreErrors {
		return nil, fecError("No valid CRC arrays found.")
	}
	if x.FecBlocks() > x.ProdataBlocks() {
		return nil, fecError("Too many fec packets found. (More than data blocks)")
	}
	if !ValidFBS(x.fbs) {
		return nil, &Error{Retval: 3, Msg: "internal error: fec_block_size not found"}
	}
	// check that fbn < max_k and is unique in each fec packet
	maxK := MaxK8
	if x.gf16 {
		maxK = MaxK16
	}
	seen := make([]bool, maxK)
	for _, p := range x.fecPackets {
		fbn := p.FBN()
		if fbn >= maxK {
			return nil, fecError("Invalid fec_block_number in fec packet.")
		}
		if seen[fbn] {
			return nil, fecError("Same fec_block_number in two fec packets.")
		}
		seen[fbn] = true
	}
	return x, nil
}

// BadBlocks lists the payload blocks whose stored CRC32 or CRC32-C
// mismatches, or, when no CRC array is available and the payload is
// an lzip file, the blocks containing a run of eight or more
// identical bytes.
func (x *Index) BadBlocks(prodata []byte) []int {
	var bad []int
	blocks := x.ProdataBlocks()
	if x.HasArray() {
		for i := 0; i < blocks; i++ {
			if !x.checkDataBlock(prodata, i) {
				bad = append(bad, i)
			}
		}
	} else if x.isLZ {
		for i := 0; i < blocks; i++ {
			if x.zeroedDataBlock(prodata, i) {
				bad = append(bad, i)
			}
		}
	}
	return bad
}

func (x *Index) checkDataBlock(prodata []byte, i int) bool {
	pos := x.BlockPos(i)
	end := pos + x.BlockSize(i)
	if x.crcPacket != nil &&
		x.crcPacket.BlockCRC(i) != lzip.CRC(prodata[pos:end]) {
		return false
	}
	if x.crccPacket != nil &&
		x.crccPacket.BlockCRC(i) != lzip.CRCC(prodata[pos:end]) {
		return false
	}
	return x.HasArray()
}

func (x *Index) zeroedDataBlock(prodata []byte, i int) bool {
	const minlen = 8 // min number of consecutive identical bytes
	pos := x.BlockPos(i)
	end := pos + x.BlockSize(i)
	count := 0
	for j := pos + 1; j < end; j++ {
		if prodata[j] != prodata[j-1] {
			count = 0
		} else if count++; count >= minlen-1 {
			return true
		}
	}
	return false
}
