// Package index locates the members of a possibly damaged lzip file.
//
// The scan walks backward from the end of the file because members do
// not carry forward sizes outside their trailer; a sliding window is
// used to resynchronize across gaps of garbage or zeroed bytes.
package index

import (
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

// Messages shared with the original tool's diagnostics.
const (
	BadMagicMsg  = "Bad magic number (file not in lzip format)."
	BadDictMsg   = "Invalid dictionary size in member header."
	CorruptMMMsg = "Corrupt header in multimember file."
	TrailingMsg  = "Trailing data not allowed."
)

// Error is an index construction failure. Retval follows the exit-code
// convention: 1 environmental, 2 corrupt data.
type Error struct {
	Retval int
	Msg    string
}

func (e *Error) Error() string { return e.Msg }

func dataError(format string, args ...interface{}) error {
	return &Error{Retval: 2, Msg: errors.Errorf(format, args...).Error()}
}

// Member pairs the compressed and uncompressed extents of one lzip
// member. DBlock is in the uncompressed coordinate system, MBlock in
// the compressed one.
type Member struct {
	DBlock   lzip.Block
	MBlock   lzip.Block
	DictSize uint
}

// Options controls the tolerance of the scan.
type Options struct {
	IgnoreTrailing bool // allow trailing data after the last member
	LooseTrailing  bool // allow trailing data resembling a corrupt header
	IgnoreBadDict  bool // accept headers with an invalid dictionary size
	IgnoreGaps     bool // accept garbage between members
	IgnoreEmpty    bool // accept members with no data
	IgnoreMarking  bool // accept a nonzero first LZMA byte
	MaxPos         int64 // scan upper bound, 0 = end of file
}

// Index is the ordered list of members of a file plus its total size.
type Index struct {
	members  []Member
	insize   int64
	dictSize uint // largest dictionary size in the file
}

// Members returns the number of indexed members.
func (x *Index) Members() int { return len(x.members) }

// Member returns member i in file order.
func (x *Index) Member(i int) Member { return x.members[i] }

// MBlock returns the compressed extent of member i.
func (x *Index) MBlock(i int) lzip.Block { return x.members[i].MBlock }

// DBlock returns the uncompressed extent of member i.
func (x *Index) DBlock(i int) lzip.Block { return x.members[i].DBlock }

// DictSize returns the dictionary size of member i.
func (x *Index) DictSize(i int) uint { return x.members[i].DictSize }

// DictSizeMax returns the largest dictionary size across all members.
func (x *Index) DictSizeMax() uint { return x.dictSize }

// FileSize returns the total file size, trailing data included.
func (x *Index) FileSize() int64 { return x.insize }

// CDataSize returns the end of the last member block.
func (x *Index) CDataSize() int64 {
	if len(x.members) == 0 {
		return 0
	}
	return x.members[len(x.members)-1].MBlock.End()
}

// UDataSize returns the total uncompressed size.
func (x *Index) UDataSize() int64 {
	if len(x.members) == 0 {
		return 0
	}
	return x.members[len(x.members)-1].DBlock.End()
}

// Blocks returns the number of members plus gaps, optionally counting
// trailing data as one more block.
func (x *Index) Blocks(countTdata bool) int {
	n := len(x.members)
	if countTdata && x.CDataSize() < x.FileSize() {
		n++
	}
	if len(x.members) > 0 && x.members[0].MBlock.Pos > 0 {
		n++
	}
	for i := 1; i < len(x.members); i++ {
		if x.members[i].MBlock.Pos > x.members[i-1].MBlock.End() {
			n++
		}
	}
	return n
}

// Equal reports whether two indexes describe the same member layout.
func (x *Index) Equal(o *Index) bool {
	if x.insize != o.insize || len(x.members) != len(o.members) {
		return false
	}
	for i := range x.members {
		if x.members[i].MBlock != o.members[i].MBlock {
			return false
		}
	}
	return true
}

func seekRead(r io.ReaderAt, buf []byte, pos int64) error {
	_, err := r.ReadAt(buf, pos)
	return err
}

func (x *Index) readHeader(r io.ReaderAt, pos int64, opts Options) (lzip.Header, byte, error) {
	var buf [lzip.HeaderSize + 1]byte
	n := len(buf)
	if pos+int64(n) > x.insize {
		n = lzip.HeaderSize
	}
	if err := seekRead(r, buf[:n], pos); err != nil {
		return lzip.Header{}, 0, &Error{Retval: 1,
			Msg: "Error reading member header: " + err.Error()}
	}
	var h lzip.Header
	copy(h[:], buf[:lzip.HeaderSize])
	return h, buf[lzip.HeaderSize], nil
}

/* skipGap skips backward over the gap or trailing data ending at *pos.
   IgnoreGaps also forgives format errors and a truncated last member.
   On success the member preceding the gap is pushed and *pos is moved
   to its header. */
func (x *Index) skipGap(r io.ReaderAt, pos *int64, opts Options) error {
	const blockSize = 16384
	const bufferSize = blockSize + lzip.TrailerSize - 1 + lzip.HeaderSize
	if *pos < lzip.MinMemberSize {
		if *pos >= 0 && opts.IgnoreGaps && len(x.members) > 0 {
			*pos = 0
			return nil
		}
		return dataError("Bad trailer at pos %d", *pos-lzip.TrailerSize)
	}
	var buffer [bufferSize]byte
	bsize := int(*pos % blockSize) // total bytes in buffer
	if bsize <= bufferSize-blockSize {
		bsize += blockSize
	}
	searchSize := bsize // bytes to search for trailer
	rdSize := bsize     // bytes to read from file
	ipos := *pos - int64(rdSize) // aligned to blockSize

	for {
		if err := seekRead(r, buffer[:rdSize], ipos); err != nil {
			return &Error{Retval: 1,
				Msg: "Error seeking member trailer: " + err.Error()}
		}
		maxMSB := byte((ipos + int64(searchSize)) >> 56)
		for i := searchSize; i >= lzip.TrailerSize; i-- {
			if buffer[i-1] > maxMSB { // most significant byte of member size
				continue
			}
			var trailer lzip.Trailer
			copy(trailer[:], buffer[i-lzip.TrailerSize:i])
			memberSize := trailer.MemberSize()
			if memberSize == 0 { // skip trailing zeros
				for i > lzip.TrailerSize && buffer[i-9] == 0 {
					i--
				}
				continue
			}
			if memberSize > uint64(ipos)+uint64(i) || !trailer.CheckConsistency() {
				continue
			}
			hpos := ipos + int64(i) - int64(memberSize)
			header, _, err := x.readHeader(r, hpos, opts)
			if err != nil {
				return err
			}
			dictSize := header.DictSize()
			if !header.CheckMagic() || !header.CheckVersion() ||
				(!opts.IgnoreBadDict && !lzip.ValidDictSize(dictSize)) {
				continue
			}
			if len(x.members) == 0 { // trailing data or truncated member
				var lastHeader lzip.Header
				copy(lastHeader[:], buffer[i:min(i+lzip.HeaderSize, bsize)])
				if lastHeader.CheckPrefix(bsize - i) {
					if !opts.IgnoreGaps {
						return dataError("Last member in input file is truncated or corrupt.")
					}
					ds := uint(0)
					if bsize-i >= lzip.HeaderSize {
						ds = lastHeader.DictSize()
					}
					memberSize := *pos - (ipos + int64(i))
					*pos = ipos + int64(i)
					x.members = append(x.members, Member{
						DBlock:   lzip.Block{},
						MBlock:   lzip.Block{Pos: *pos, Size: memberSize},
						DictSize: ds,
					})
					return nil
				}
			}
			if !opts.IgnoreGaps && len(x.members) == 0 {
				if !opts.LooseTrailing && bsize-i >= lzip.HeaderSize {
					var th lzip.Header
					copy(th[:], buffer[i:i+lzip.HeaderSize])
					if th.CheckCorrupt() {
						return dataError(CorruptMMMsg)
					}
				}
				if !opts.IgnoreTrailing {
					return dataError(TrailingMsg)
				}
			}
			*pos = hpos
			x.members = append(x.members, Member{
				DBlock:   lzip.Block{Size: int64(trailer.DataSize())},
				MBlock:   lzip.Block{Pos: *pos, Size: int64(memberSize)},
				DictSize: dictSize,
			})
			return nil
		}
		if ipos <= 0 {
			if opts.IgnoreGaps && len(x.members) > 0 {
				*pos = 0
				return nil
			}
			return dataError("Bad trailer at pos %d", *pos-lzip.TrailerSize)
		}
		copy(buffer[blockSize:bufferSize], buffer[:bufferSize-blockSize])
		bsize = bufferSize
		searchSize = bsize - lzip.HeaderSize
		rdSize = blockSize
		ipos -= int64(rdSize)
	}
}

// New scans the file backward and builds its member index.
func New(r io.ReaderAt, size int64, opts Options) (*Index, error) {
	x := &Index{insize: size}
	if size < 0 {
		return nil, &Error{Retval: 1, Msg: "Input file is not seekable."}
	}
	if size < lzip.MinMemberSize {
		return nil, dataError("Input file is too short.")
	}
	if size > math.MaxInt64-1 {
		return nil, dataError("Input file is too long (2^63 bytes or more).")
	}

	header, first, err := x.readHeader(r, 0, opts)
	if err != nil {
		return nil, err
	}
	if !header.CheckMagic() {
		return nil, dataError(BadMagicMsg)
	}
	if !header.CheckVersion() {
		return nil, dataError("Version %d member format not supported.", header.Version())
	}
	if !opts.IgnoreBadDict && !lzip.ValidDictSize(header.DictSize()) {
		return nil, dataError(BadDictMsg)
	}
	if !opts.IgnoreMarking && first != 0 {
		return nil, dataError("Marking data in first LZMA byte.")
	}

	// pos always points to a header or to EOF / MaxPos
	pos := size
	if opts.MaxPos > 0 {
		pos = opts.MaxPos
	}
	for pos >= lzip.MinMemberSize {
		var trailer lzip.Trailer
		if err := seekRead(r, trailer[:], pos-lzip.TrailerSize); err != nil {
			return nil, &Error{Retval: 1,
				Msg: "Error reading member trailer: " + err.Error()}
		}
		memberSize := trailer.MemberSize()
		if memberSize > uint64(pos) || !trailer.CheckConsistency() {
			if opts.IgnoreGaps || len(x.members) == 0 {
				if err := x.skipGap(r, &pos, opts); err != nil {
					return nil, err
				}
				continue
			}
			return nil, dataError("Bad trailer at pos %d", pos-lzip.TrailerSize)
		}
		header, _, err := x.readHeader(r, pos-int64(memberSize), opts)
		if err != nil {
			return nil, err
		}
		dictSize := header.DictSize()
		if !header.CheckMagic() || !header.CheckVersion() ||
			(!opts.IgnoreBadDict && !lzip.ValidDictSize(dictSize)) {
			if opts.IgnoreGaps || len(x.members) == 0 {
				if err := x.skipGap(r, &pos, opts); err != nil {
					return nil, err
				}
				continue
			}
			return nil, dataError("Bad header at pos %d", pos-int64(memberSize))
		}
		if !opts.IgnoreEmpty && trailer.DataSize() == 0 {
			return nil, dataError("Empty member not allowed.")
		}
		pos -= int64(memberSize)
		x.members = append(x.members, Member{
			DBlock:   lzip.Block{Size: int64(trailer.DataSize())},
			MBlock:   lzip.Block{Pos: pos, Size: int64(memberSize)},
			DictSize: dictSize,
		})
	}
	if pos < 0 || pos >= lzip.MinMemberSize || (pos != 0 && !opts.IgnoreGaps) ||
		len(x.members) == 0 {
		return nil, dataError("Can't create file index.")
	}
	if err := x.finish(); err != nil {
		return nil, err
	}
	return x, nil
}

// NewMulti builds one index from several same-length copies of the
// same file. A step of the backward walk is accepted when any copy
// yields a consistent trailer and any copy, possibly a different one,
// yields a valid header at the implied position.
func NewMulti(readers []io.ReaderAt, size int64) (*Index, error) {
	x := &Index{insize: size}
	if size < lzip.MinMemberSize {
		return nil, dataError("Input file is too short.")
	}

	done := false
	for _, r := range readers {
		var h lzip.Header
		if err := seekRead(r, h[:], 0); err != nil {
			return nil, &Error{Retval: 1,
				Msg: "Error reading member header: " + err.Error()}
		}
		if h.CheckMagic() && h.CheckVersion() {
			done = true
			break
		}
	}
	if !done {
		return nil, dataError(BadMagicMsg)
	}

	pos := size // always points to a header or to EOF
	for pos >= lzip.MinMemberSize {
		var trailer lzip.Trailer
		var memberSize uint64
		done = false
		for _, tr := range readers {
			if done {
				break
			}
			if err := seekRead(tr, trailer[:], pos-lzip.TrailerSize); err != nil {
				return nil, &Error{Retval: 1,
					Msg: "Error reading member trailer: " + err.Error()}
			}
			memberSize = trailer.MemberSize()
			if memberSize > uint64(pos) || !trailer.CheckConsistency() {
				continue
			}
			for _, hr := range readers {
				var h lzip.Header
				if err := seekRead(hr, h[:], pos-int64(memberSize)); err != nil {
					return nil, &Error{Retval: 1,
						Msg: "Error reading member header: " + err.Error()}
				}
				if h.CheckMagic() && h.CheckVersion() {
					done = true
					break
				}
			}
		}
		if !done {
			if len(x.members) == 0 { // maybe trailing data
				pos--
				continue
			}
			return nil, dataError("Member size in trailer may be corrupt at pos %d", pos-8)
		}
		if len(x.members) == 0 && size > pos {
			sz := lzip.HeaderSize
			if size-pos < int64(sz) {
				sz = int(size - pos)
			}
			for _, r := range readers {
				var h lzip.Header
				if err := seekRead(r, h[:sz], pos); err == nil && h.CheckPrefix(sz) {
					return nil, dataError("Last member in input file is truncated or corrupt.")
				}
			}
		}
		pos -= int64(memberSize)
		x.members = append(x.members, Member{
			DBlock: lzip.Block{Size: int64(trailer.DataSize())},
			MBlock: lzip.Block{Pos: pos, Size: int64(memberSize)},
		})
	}
	if pos != 0 || len(x.members) == 0 {
		return nil, dataError("Can't create file index.")
	}
	if err := x.finish(); err != nil {
		return nil, err
	}
	return x, nil
}

// finish reverses the member list into file order, chains the data
// blocks and checks that member blocks never overlap.
func (x *Index) finish() error {
	for i, j := 0, len(x.members)-1; i < j; i, j = i+1, j-1 {
		x.members[i], x.members[j] = x.members[j], x.members[i]
	}
	for i := range x.members {
		if x.members[i].DictSize > x.dictSize {
			x.dictSize = x.members[i].DictSize
		}
		end := x.members[i].DBlock.End()
		if end < 0 {
			x.members = nil
			return dataError("Data in input file is too long (2^63 bytes or more).")
		}
		if i+1 >= len(x.members) {
			break
		}
		x.members[i+1].DBlock.Pos = end
	}
	for i := 1; i < len(x.members); i++ {
		if x.members[i].MBlock.Overlaps(x.members[i-1].MBlock) {
			return &Error{Retval: 3, Msg: "internal error: member blocks overlap"}
		}
	}
	return nil
}
