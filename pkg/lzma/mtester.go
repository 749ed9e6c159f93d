package lzma

import (
	"hash"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

// Result codes of TestMember and DebugDecodeMember.
const (
	ResOK          = 0  // member decoded and trailer verified
	ResDecodeError = 1  // distance out of range
	ResEOF         = 2  // unexpected end of member
	ResTrailer     = 3  // trailer mismatch
	ResMarker      = 4  // unknown in-stream marker
	ResLimit       = -1 // suspend point reached
)

// NoLimit disables a position limit.
const NoLimit = int64(math.MaxInt64)

// Tester replays the LZMA stream of one in-memory member, verifying
// the trailer at end of stream. All decoding state lives in value
// fields so Fork can clone a suspended tester with a plain copy.
type Tester struct {
	partialPos int64 // data flushed out of the buffer so far
	rdec       rangeDecoder
	dictSize   int
	buffer     []byte // circular dictionary
	pos        int    // write cursor in buffer
	streamPos  int    // first byte not yet flushed
	crc        uint32
	writer     io.Writer // nil = discard
	md5        hash.Hash // optional digest of the decoded data
	werr       error

	outSkip int64 // first data position written to writer
	outEnd  int64 // first data position not written to writer

	rep0, rep1, rep2, rep3 uint32
	st                     state
	maxRep0                uint32 // maximum distance found
	posWrapped             bool

	bmLiteral [1 << literalContextBits][0x300]bitModel
	bmMatch   [states][posStates]bitModel
	bmRep     [states]bitModel
	bmRep0    [states]bitModel
	bmRep1    [states]bitModel
	bmRep2    [states]bitModel
	bmLen     [states][posStates]bitModel
	bmDisSlot [lenStates][1 << disSlotBits]bitModel
	bmDis     [modeledDistances - endDisModel + 1]bitModel
	bmAlign   [disAlignSize]bitModel

	matchLen lenModel
	repLen   lenModel
}

// NewTester returns a tester over the member image buf (header and
// trailer included) with the given dictionary size.
func NewTester(buf []byte, dictSize uint) *Tester {
	t := &Tester{
		rdec:     newRangeDecoder(buf),
		dictSize: int(dictSize),
		buffer:   make([]byte, dictSize),
		outEnd:   NoLimit,
	}
	t.initModels()
	// prev byte of the first byte; also peek(0) on a corrupt file
	t.buffer[t.dictSize-1] = 0
	return t
}

// SetWriter directs the decoded bytes to w.
func (t *Tester) SetWriter(w io.Writer) { t.writer = w }

// SetMD5 additionally digests the decoded bytes into h.
func (t *Tester) SetMD5(h hash.Hash) { t.md5 = h }

// SetOutputWindow restricts writer output to data positions in
// [skip, end). CRC, MD5 and trailer verification still cover the whole
// stream.
func (t *Tester) SetOutputWindow(skip, end int64) {
	t.outSkip = skip
	t.outEnd = end
}

func (t *Tester) initModels() {
	for i := range t.bmLiteral {
		for j := range t.bmLiteral[i] {
			t.bmLiteral[i][j] = bitModelInit
		}
	}
	for i := 0; i < states; i++ {
		for j := 0; j < posStates; j++ {
			t.bmMatch[i][j] = bitModelInit
			t.bmLen[i][j] = bitModelInit
		}
		t.bmRep[i] = bitModelInit
		t.bmRep0[i] = bitModelInit
		t.bmRep1[i] = bitModelInit
		t.bmRep2[i] = bitModelInit
	}
	for i := range t.bmDisSlot {
		for j := range t.bmDisSlot[i] {
			t.bmDisSlot[i][j] = bitModelInit
		}
	}
	for i := range t.bmDis {
		t.bmDis[i] = bitModelInit
	}
	for i := range t.bmAlign {
		t.bmAlign[i] = bitModelInit
	}
	t.matchLen.init()
	t.repLen.init()
}

// Fork clones a suspended tester into an independent one writing into
// the caller-provided dictionary buffer, which must be at least
// dictSize bytes long. The clone discards writer and digest; it is
// meant for speculative re-decoding.
func (t *Tester) Fork(buf []byte) *Tester {
	n := new(Tester)
	*n = *t // copies the probability models and range state
	n.writer = nil
	n.md5 = nil
	n.buffer = buf[:n.dictSize]
	if t.DataPosition() > 0 {
		keep := int64(t.dictSize)
		if dp := t.DataPosition(); dp < keep {
			keep = dp
		}
		copy(n.buffer, t.buffer[:keep])
	} else {
		n.buffer[n.dictSize-1] = 0
	}
	return n
}

// CRC returns the CRC32 of the data decoded so far.
func (t *Tester) CRC() uint32 { return t.crc }

// DataPosition returns the number of data bytes decoded so far.
func (t *Tester) DataPosition() int64 { return t.partialPos + int64(t.pos) }

// MemberPosition returns the current position in the member.
func (t *Tester) MemberPosition() int64 { return t.rdec.memberPosition() }

// Finished reports whether the whole member buffer was consumed.
func (t *Tester) Finished() bool { return t.rdec.finished() }

// MaxDistance returns the largest match distance seen so far plus one.
func (t *Tester) MaxDistance() uint { return uint(t.maxRep0) + 1 }

// Buffers exposes the two parts of the dictionary in decode order:
// prev (older, empty unless the buffer has wrapped) and dec (newer,
// ending at the last decoded byte).
func (t *Tester) Buffers() (prev, dec []byte) {
	dec = t.buffer[:t.pos]
	if t.posWrapped {
		prev = t.buffer[t.pos:]
	}
	return prev, dec
}

func (t *Tester) peekPrev() byte {
	if t.pos > 0 {
		return t.buffer[t.pos-1]
	}
	return t.buffer[t.dictSize-1]
}

func (t *Tester) peek(distance uint32) byte {
	i := t.pos - int(distance) - 1
	if t.pos <= int(distance) {
		i += t.dictSize
	}
	return t.buffer[i]
}

func (t *Tester) putByte(b byte) {
	t.buffer[t.pos] = b
	t.pos++
	if t.pos >= t.dictSize {
		t.flushData()
	}
}

func (t *Tester) copyBlock(distance uint32, length int) {
	lpos := t.pos
	i := lpos - int(distance) - 1
	var fast, fast2 bool
	if lpos > int(distance) {
		fast = length < t.dictSize-lpos
		fast2 = fast && length <= lpos-i
	} else {
		i += t.dictSize
		fast = length < t.dictSize-i // i == pos may happen
		fast2 = fast && length <= i-lpos
	}
	if fast { // no wrap
		t.pos += length
		if fast2 { // no wrap, no overlap
			copy(t.buffer[lpos:lpos+length], t.buffer[i:i+length])
		} else {
			for ; length > 0; length-- {
				t.buffer[lpos] = t.buffer[i]
				lpos++
				i++
			}
		}
		return
	}
	for ; length > 0; length-- {
		t.buffer[t.pos] = t.buffer[i]
		t.pos++
		if t.pos >= t.dictSize {
			t.flushData()
		}
		i++
		if i >= t.dictSize {
			i = 0
		}
	}
}

func (t *Tester) flushData() {
	if t.pos <= t.streamPos {
		return
	}
	data := t.buffer[t.streamPos:t.pos]
	t.crc = lzip.CRCUpdate(t.crc, data)
	if t.md5 != nil {
		t.md5.Write(data)
	}
	if t.writer != nil && t.werr == nil {
		start := t.partialPos + int64(t.streamPos)
		lo, hi := int64(0), int64(len(data))
		if skip := t.outSkip - start; skip > lo {
			lo = skip
		}
		if end := t.outEnd - start; end < hi {
			hi = end
		}
		if lo < hi {
			if _, err := t.writer.Write(data[lo:hi]); err != nil {
				t.werr = errors.Wrap(err, "write error")
			}
		}
	}
	if t.pos >= t.dictSize {
		t.partialPos += int64(t.pos)
		t.pos = 0
		t.posWrapped = true
	}
	t.streamPos = t.pos
}

// WriteError returns the first error reported by the output writer.
func (t *Tester) WriteError() error { return t.werr }

func (t *Tester) verifyTrailer() bool {
	trailer, ok := t.rdec.getTrailer()
	return ok &&
		trailer.DataCRC() == t.CRC() &&
		trailer.DataSize() == uint64(t.DataPosition()) &&
		trailer.MemberSize() == uint64(t.MemberPosition())
}

// TestMember decodes packets until end of stream or one of the limits.
// mposLimit suspends the tester at a member position, dposLimit at a
// data position; a suspended tester can be forked and resumed. The
// result is one of the Res constants.
func (t *Tester) TestMember(mposLimit, dposLimit int64) int {
	if mposLimit < lzip.HeaderSize+5 {
		return ResLimit
	}
	if t.MemberPosition() == lzip.HeaderSize {
		t.rdec.load()
	}
	for !t.rdec.finished() {
		if t.MemberPosition() >= mposLimit || t.DataPosition() >= dposLimit {
			t.flushData()
			return ResLimit
		}
		posState := int(t.DataPosition()) & posStateMask
		if t.rdec.decodeBit(&t.bmMatch[t.st][posState]) == 0 { // 1st bit
			// literal byte
			bm := t.bmLiteral[litState(t.peekPrev())][:]
			if t.st.isCharSetChar() {
				t.putByte(byte(t.rdec.decodeTree(bm, 8)))
			} else {
				t.putByte(t.rdec.decodeMatched(bm, t.peek(t.rep0)))
			}
			continue
		}
		// match or repeated match
		var length int
		if t.rdec.decodeBit(&t.bmRep[t.st]) != 0 { // 2nd bit
			if t.rdec.decodeBit(&t.bmRep0[t.st]) == 0 { // 3rd bit
				if t.rdec.decodeBit(&t.bmLen[t.st][posState]) == 0 { // 4th bit
					t.st.setShortRep()
					t.putByte(t.peek(t.rep0))
					continue
				}
			} else {
				var distance uint32
				if t.rdec.decodeBit(&t.bmRep1[t.st]) == 0 { // 4th bit
					distance = t.rep1
				} else {
					if t.rdec.decodeBit(&t.bmRep2[t.st]) == 0 { // 5th bit
						distance = t.rep2
					} else {
						distance = t.rep3
						t.rep3 = t.rep2
					}
					t.rep2 = t.rep1
				}
				t.rep1 = t.rep0
				t.rep0 = distance
			}
			t.st.setRep()
			length = MinMatchLen + t.rdec.decodeLen(&t.repLen, posState)
		} else { // match
			length = MinMatchLen + t.rdec.decodeLen(&t.matchLen, posState)
			distance := t.rdec.decodeTree(t.bmDisSlot[lenState(length)][:], disSlotBits)
			if distance >= startDisModel {
				disSlot := distance
				directBits := int(disSlot>>1) - 1
				distance = (2 | disSlot&1) << directBits
				if disSlot < endDisModel {
					distance += t.rdec.decodeTreeReversed(
						t.bmDis[distance-disSlot:], directBits)
				} else {
					distance += t.rdec.decode(directBits-disAlignBits) << disAlignBits
					distance += t.rdec.decodeTreeReversed(t.bmAlign[:], disAlignBits)
					if distance == 0xFFFFFFFF { // marker found
						t.rdec.normalize()
						t.flushData()
						if length == MinMatchLen { // end of stream
							if t.verifyTrailer() {
								return ResOK
							}
							return ResTrailer
						}
						if length == MinMatchLen+1 { // sync flush
							t.rdec.load()
							continue
						}
						return ResMarker
					}
					if distance > t.maxRep0 {
						t.maxRep0 = distance
					}
				}
			}
			t.rep3, t.rep2, t.rep1, t.rep0 = t.rep2, t.rep1, t.rep0, distance
			t.st.setMatch()
			if int(t.rep0) >= t.dictSize ||
				(int(t.rep0) >= t.pos && !t.posWrapped) {
				t.flushData()
				return ResDecodeError
			}
		}
		t.copyBlock(t.rep0, length)
	}
	t.flushData()
	return ResEOF
}

// Test decodes the whole member with no limits.
func (t *Tester) Test() int { return t.TestMember(NoLimit, NoLimit) }
