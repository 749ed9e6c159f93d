package lzip

import "encoding/binary"

// Trailer is a raw 20-byte member trailer: CRC32 of the uncompressed
// data, uncompressed size and member size, all little-endian.
type Trailer [TrailerSize]byte

// DataCRC returns the stored CRC32 of the uncompressed data.
func (t *Trailer) DataCRC() uint32 { return binary.LittleEndian.Uint32(t[0:4]) }

// SetDataCRC stores the CRC32 of the uncompressed data.
func (t *Trailer) SetDataCRC(crc uint32) { binary.LittleEndian.PutUint32(t[0:4], crc) }

// DataSize returns the stored size of the uncompressed data.
func (t *Trailer) DataSize() uint64 { return binary.LittleEndian.Uint64(t[4:12]) }

// SetDataSize stores the size of the uncompressed data.
func (t *Trailer) SetDataSize(sz uint64) { binary.LittleEndian.PutUint64(t[4:12], sz) }

// MemberSize returns the stored member size, header and trailer included.
func (t *Trailer) MemberSize() uint64 { return binary.LittleEndian.Uint64(t[12:20]) }

// SetMemberSize stores the member size.
func (t *Trailer) SetMemberSize(sz uint64) { binary.LittleEndian.PutUint64(t[12:20], sz) }

/* CheckConsistency checks the internal consistency of the trailer:
   an empty member has a zero CRC and vice versa, the member is at
   least MinMemberSize bytes long, and the compressed/uncompressed
   sizes respect the known expansion and compression ratio bounds of
   the LZMA stream. */
func (t *Trailer) CheckConsistency() bool {
	crc := t.DataCRC()
	dsize := t.DataSize()
	if (crc == 0) != (dsize == 0) {
		return false
	}
	msize := t.MemberSize()
	if msize < MinMemberSize {
		return false
	}
	mlimit := (9*dsize+7)/8 + MinMemberSize
	if mlimit > dsize && msize > mlimit {
		return false
	}
	dlimit := 7090*(msize-26) - 1
	if dlimit > msize && dsize > dlimit {
		return false
	}
	return true
}
