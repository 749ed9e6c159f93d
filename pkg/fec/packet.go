// Package fec implements the forward-error-correction layer: parity
// packets over GF(2^8) or GF(2^16) that protect an arbitrary payload
// against block-granularity erasures, plus the packet framing and the
// coordinator that creates, tests, lists and repairs fec files.
package fec

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/lzrescue/lzrescue/pkg/gf"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

const (
	// MinFBS is the smallest fec block size; all block sizes are
	// multiples of it.
	MinFBS = 512
	// MaxUnitFBS bounds the unit block size a user may request.
	MaxUnitFBS = 1 << 30
	// MaxFBS is the largest representable fec block size, 128 TiB.
	MaxFBS = 1 << 47

	// MaxK8 is the data/fec block limit in GF(2^8).
	MaxK8 = 128
	// MaxK16 is the data block limit in GF(2^16).
	MaxK16 = 32768
	// MaxNK16 is the fec block limit in GF(2^16).
	MaxNK16 = 2048

	crc32Len = 4
	magicLen = 4
)

// Extension is the conventional suffix of fec files.
const Extension = ".fec"

// Magic is the chksum packet magic, the bitwise NOT of "LZIP".
var Magic = [4]byte{0xB3, 0xA5, 0xB6, 0xAF}

// PacketMagic is the fec packet magic.
var PacketMagic = [4]byte{Magic[0], 'F', 'E', 'C'}

// CheckMagic reports whether buf starts with the chksum packet magic.
func CheckMagic(buf []byte) bool {
	return len(buf) >= magicLen &&
		buf[0] == Magic[0] && buf[1] == Magic[1] &&
		buf[2] == Magic[2] && buf[3] == Magic[3]
}

// ValidFBS reports whether fbs is a representable fec block size.
func ValidFBS(fbs uint64) bool {
	return fbs >= MinFBS && fbs <= MaxFBS && fbs%MinFBS == 0
}

func ceilDivide(size, blockSize uint64) uint64 {
	n := size / blockSize
	if size%blockSize > 0 {
		n++
	}
	return n
}

// CodedFBS is the compact 2-byte representation of a fec block size:
// an 11-bit mantissa times 2^(5-bit exponent + 9).
type CodedFBS [2]byte

// NewCodedFBS encodes the smallest representable block size >= fbs
// that is a multiple of unitFBS.
func NewCodedFBS(fbs uint64, unitFBS uint64) (CodedFBS, error) {
	m := fbs
	e := 0
	for m > 2047 || (m > 1 && e < 9) {
		m >>= 1
		e++
	}
	if m<<e < fbs {
		m++
		if m > 2047 {
			m >>= 1
			e++
		}
	}
	for (m<<e)%unitFBS != 0 {
		m++
		if m > 2047 {
			m >>= 1
			e++
		}
	}
	if m == 0 || m > 2047 || e < 9 || e > 40 || m<<e < fbs ||
		!ValidFBS(m<<e) || !ValidFBS(fbs) {
		return CodedFBS{}, errors.New("can't fit fec_block_size in packet")
	}
	return CodedFBS{byte(m), byte((e-9)<<3 | int(m>>8))}, nil
}

// Value decodes the block size.
func (c CodedFBS) Value() uint64 {
	m := uint64(c[1]&7)<<8 | uint64(c[0])
	e := int(c[1]>>3) + 9
	return m << e
}

// Chksum packet layout.
const (
	versionOffset     = magicLen
	flagsOffset       = versionOffset + 1
	fbsOffset         = flagsOffset + 1
	prodataSizeOffset = fbsOffset + 2
	prodataMD5Offset  = prodataSizeOffset + 8
	chkHeaderCRCOff   = prodataMD5Offset + 16
	chkHeaderSize     = chkHeaderCRCOff + crc32Len
	crcArrayOffset    = chkHeaderSize

	// MinChksumPacketSize is a chksum packet with one block CRC.
	MinChksumPacketSize = chkHeaderSize + crc32Len + crc32Len
)

// Fec packet layout.
const (
	fbnOffset       = magicLen
	fecFBSOffset    = fbnOffset + 2
	fecHeaderCRCOff = fecFBSOffset + 2
	fecHeaderSize   = fecHeaderCRCOff + crc32Len
	fecBlockOffset  = fecHeaderSize

	// MinFecPacketSize is a fec packet with the smallest block size.
	MinFecPacketSize = fecHeaderSize + MinFBS + crc32Len
)

// ChksumPacket is a parsed view over a chksum packet image. The image
// carries the payload size, its MD5 and one CRC32 or CRC32-C per
// payload block.
type ChksumPacket struct {
	image []byte
}

// ParseChksumPacket wraps an image validated with CheckChksumImage.
func ParseChksumPacket(image []byte) ChksumPacket { return ChksumPacket{image} }

// PacketSize returns the total packet size.
func (p ChksumPacket) PacketSize() uint64 {
	return ceilDivide(p.ProdataSize(), p.FBS())*crc32Len +
		chkHeaderSize + crc32Len
}

// ProdataSize returns the protected payload size.
func (p ChksumPacket) ProdataSize() uint64 {
	return binary.LittleEndian.Uint64(p.image[prodataSizeOffset:])
}

// ProdataMD5 returns the stored MD5 of the payload.
func (p ChksumPacket) ProdataMD5() (md [16]byte) {
	copy(md[:], p.image[prodataMD5Offset:prodataMD5Offset+16])
	return md
}

// FBS returns the fec block size.
func (p ChksumPacket) FBS() uint64 {
	var c CodedFBS
	copy(c[:], p.image[fbsOffset:])
	return c.Value()
}

// GF16 reports whether the fec data uses GF(2^16).
func (p ChksumPacket) GF16() bool { return p.image[flagsOffset]&2 != 0 }

// IsCRCC reports whether the CRC array uses CRC32-C.
func (p ChksumPacket) IsCRCC() bool { return p.image[flagsOffset]&1 != 0 }

// BlockCRC returns the stored CRC of payload block i.
func (p ChksumPacket) BlockCRC(i int) uint32 {
	return binary.LittleEndian.Uint32(p.image[crcArrayOffset+i*crc32Len:])
}

// CheckPayloadCRC verifies the CRC32 of the CRC array.
func (p ChksumPacket) CheckPayloadCRC() bool {
	paysize := int(p.PacketSize()) - chkHeaderSize - crc32Len
	stored := binary.LittleEndian.Uint32(p.image[crcArrayOffset+paysize:])
	return lzip.CRC(p.image[crcArrayOffset:crcArrayOffset+paysize]) == stored
}

// NewChksumPacket builds the packet image for prodata. The CRC array
// holds CRC32 values, or CRC32-C when crcc is true.
func NewChksumPacket(prodata []byte, prodataMD5 [16]byte, cfbs CodedFBS,
	gf16, crcc bool) ([]byte, error) {
	fbs := cfbs.Value()
	prodataBlocks := ceilDivide(uint64(len(prodata)), fbs)
	if prodataBlocks*fbs < uint64(len(prodata)) {
		return nil, errors.New("prodata blocks * fec block size < prodata size")
	}
	paysize := int(prodataBlocks) * crc32Len
	ip := make([]byte, chkHeaderSize+paysize+crc32Len)

	copy(ip, Magic[:])
	ip[versionOffset] = 0
	var flags byte
	if gf16 {
		flags |= 2
	}
	if crcc {
		flags |= 1
	}
	ip[flagsOffset] = flags
	copy(ip[fbsOffset:], cfbs[:])
	binary.LittleEndian.PutUint64(ip[prodataSizeOffset:], uint64(len(prodata)))
	copy(ip[prodataMD5Offset:], prodataMD5[:])
	binary.LittleEndian.PutUint32(ip[chkHeaderCRCOff:], lzip.CRC(ip[:chkHeaderCRCOff]))

	i := 0
	for pos := uint64(0); pos < uint64(len(prodata)); pos += fbs {
		end := pos + fbs
		if end > uint64(len(prodata)) {
			end = uint64(len(prodata))
		}
		var crc uint32
		if crcc {
			crc = lzip.CRCC(prodata[pos:end])
		} else {
			crc = lzip.CRC(prodata[pos:end])
		}
		binary.LittleEndian.PutUint32(ip[crcArrayOffset+i*crc32Len:], crc)
		i++
	}
	if uint64(i) != prodataBlocks {
		return nil, errors.New("wrong fec block size or number of prodata blocks")
	}
	binary.LittleEndian.PutUint32(ip[crcArrayOffset+paysize:],
		lzip.CRC(ip[crcArrayOffset:crcArrayOffset+paysize]))
	return ip, nil
}

/* CheckChksumImage validates a chksum packet image in place.
   Return value: 0 = bad magic, 1 = bad size, 2 = bad CRC, else the
   packet size. */
func CheckChksumImage(buf []byte) uint64 {
	if len(buf) < MinChksumPacketSize || !CheckMagic(buf) {
		return 0
	}
	if binary.LittleEndian.Uint32(buf[chkHeaderCRCOff:]) !=
		lzip.CRC(buf[:chkHeaderCRCOff]) {
		return 2
	}
	if buf[versionOffset] != 0 || buf[flagsOffset] > 3 {
		return 2
	}
	p := ParseChksumPacket(buf)
	fbs := p.FBS()
	if !ValidFBS(fbs) {
		return 1
	}
	imageSize := p.PacketSize()
	maxK := uint64(MaxK8)
	if p.GF16() {
		maxK = MaxK16
	}
	if imageSize < MinChksumPacketSize || imageSize > uint64(len(buf)) ||
		imageSize > chkHeaderSize+maxK*crc32Len+crc32Len {
		return 1
	}
	paysize := imageSize - chkHeaderSize - crc32Len
	prodataBlocks := ceilDivide(p.ProdataSize(), fbs)
	if paysize%crc32Len != 0 || paysize/crc32Len != prodataBlocks ||
		prodataBlocks == 0 || prodataBlocks > maxK {
		return 1
	}
	// the payload CRC is checked by the parser so a corrupt CRC array
	// can be tolerated under ignore-errors
	return imageSize
}

// FecPacket is a parsed view over a fec packet image carrying one
// parity block.
type FecPacket struct {
	image []byte
}

// ParseFecPacket wraps an image validated with CheckFecImage.
func ParseFecPacket(image []byte) FecPacket { return FecPacket{image} }

// PacketSize returns the total packet size.
func (p FecPacket) PacketSize() uint64 {
	return fecHeaderSize + p.FBS() + crc32Len
}

// FBN returns the fec block number, i.e. the encode matrix row.
func (p FecPacket) FBN() int {
	return int(binary.LittleEndian.Uint16(p.image[fbnOffset:]))
}

// FBS returns the fec block size.
func (p FecPacket) FBS() uint64 {
	var c CodedFBS
	copy(c[:], p.image[fecFBSOffset:])
	return c.Value()
}

// Block returns the parity bytes.
func (p FecPacket) Block() []byte {
	return p.image[fecBlockOffset : fecBlockOffset+int(p.FBS())]
}

// NewFecPacket builds the parity packet for block number fbn over the
// k data blocks of prodata.
func NewFecPacket(prodata, lastbuf []byte, fbn, k int, cfbs CodedFBS,
	gf16 bool) []byte {
	fbs := int(cfbs.Value())
	ip := make([]byte, fecHeaderSize+fbs+crc32Len)

	copy(ip, PacketMagic[:])
	binary.LittleEndian.PutUint16(ip[fbnOffset:], uint16(fbn))
	copy(ip[fecFBSOffset:], cfbs[:])
	binary.LittleEndian.PutUint32(ip[fecHeaderCRCOff:], lzip.CRC(ip[:fecHeaderCRCOff]))

	if gf16 {
		gf.RS16Encode(prodata, lastbuf, ip[fecBlockOffset:], fbs, fbn, k)
	} else {
		gf.RS8Encode(prodata, lastbuf, ip[fecBlockOffset:], fbs, fbn, k)
	}
	binary.LittleEndian.PutUint32(ip[fecBlockOffset+fbs:],
		lzip.CRC(ip[fecBlockOffset:fecBlockOffset+fbs]))
	return ip
}

/* CheckFecImage validates a fec packet image in place.
   Return value: 0 = bad magic, 1 = bad size, 2 = bad CRC, else the
   packet size. */
func CheckFecImage(buf []byte) uint64 {
	if len(buf) < MinFecPacketSize ||
		buf[0] != PacketMagic[0] || buf[1] != PacketMagic[1] ||
		buf[2] != PacketMagic[2] || buf[3] != PacketMagic[3] {
		return 0
	}
	if binary.LittleEndian.Uint32(buf[fecHeaderCRCOff:]) !=
		lzip.CRC(buf[:fecHeaderCRCOff]) {
		return 2
	}
	p := ParseFecPacket(buf)
	imageSize := p.PacketSize()
	if imageSize < MinFecPacketSize || imageSize > uint64(len(buf)) {
		return 1
	}
	paysize := imageSize - fecHeaderSize - crc32Len
	stored := binary.LittleEndian.Uint32(buf[fecBlockOffset+paysize:])
	if lzip.CRC(buf[fecBlockOffset:fecBlockOffset+paysize]) != stored {
		return 2
	}
	fbs := p.FBS()
	if !ValidFBS(fbs) || paysize != fbs {
		return 1
	}
	return imageSize
}

// SetLastBuf returns the last, incomplete data block of prodata zero
// padded to fbs bytes, or nil when the last block is complete. When
// lastIsMissing is set the contents are left zeroed for the decoder
// to fill in.
func SetLastBuf(prodata []byte, fbs int, lastIsMissing bool) []byte {
	rest := len(prodata) % fbs
	if rest == 0 {
		return nil // last data block is complete
	}
	lastbuf := make([]byte, fbs)
	if !lastIsMissing {
		copy(lastbuf, prodata[len(prodata)-rest:])
	}
	return lastbuf
}
