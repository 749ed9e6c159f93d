// Package lzip implements the framing of the lzip container format:
// the 6-byte member header, the 20-byte member trailer and the byte
// intervals (blocks) the recovery engines operate on.
//
// See https://www.nongnu.org/lzip/manual/lzip_manual.html#File-format
package lzip

import "hash/crc32"

const (
	// HeaderSize is the fixed size of a member header.
	HeaderSize = 6
	// TrailerSize is the fixed size of a member trailer.
	TrailerSize = 20
	// MinMemberSize is the smallest possible member (header + empty
	// LZMA stream + trailer).
	MinMemberSize = 36

	// MinDictBits and MaxDictBits bound the coded dictionary size.
	MinDictBits = 12
	MaxDictBits = 29
	// MinDictSize is the minimum dictionary size, 4 KiB.
	MinDictSize = 1 << MinDictBits
	// MaxDictSize is the maximum dictionary size, 512 MiB.
	MaxDictSize = 1 << MaxDictBits
)

// Magic is the member magic string "LZIP".
var Magic = [4]byte{0x4C, 0x5A, 0x49, 0x50}

// ValidDictSize reports whether size is a representable dictionary size.
func ValidDictSize(size uint) bool {
	return size >= MinDictSize && size <= MaxDictSize
}

var (
	crcTable  = crc32.MakeTable(crc32.IEEE)
	crccTable = crc32.MakeTable(crc32.Castagnoli)
)

// CRC returns the CRC32 (Ethernet polynomial) of data.
func CRC(data []byte) uint32 { return crc32.Checksum(data, crcTable) }

// CRCUpdate extends crc with data. The accumulator is kept inverted by
// hash/crc32, so partial updates compose.
func CRCUpdate(crc uint32, data []byte) uint32 {
	return crc32.Update(crc, crcTable, data)
}

// CRCC returns the CRC32-C (Castagnoli polynomial) of data.
func CRCC(data []byte) uint32 { return crc32.Checksum(data, crccTable) }
