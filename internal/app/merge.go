package app

import (
	"io"
	"math"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/pkg/index"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

/* combine adds bv to blocks, splitting blocks as needed to keep all
   the edges (pos and end of every block). blocks receives the result;
   bv is consumed. */
func combine(blocks, bv []lzip.Block) []lzip.Block {
	if len(blocks) == 0 {
		return bv
	}
	i1, i2 := 0, 0
	for i1 < len(blocks) && i2 < len(bv) {
		b1 := &blocks[i1]
		b2 := &bv[i2]
		switch {
		case b1.Overlaps(*b2):
			switch {
			case b1.Pos < b2.Pos:
				b := b1.Split(b2.Pos)
				blocks = insertBlock(blocks, i1, b)
				i1++
			case b2.Pos < b1.Pos:
				b := lzip.Block{Pos: b2.Pos, Size: b1.Pos - b2.Pos}
				b2.Split(b1.Pos)
				blocks = insertBlock(blocks, i1, b)
				i1++
			case b1.End() < b2.End():
				b2.Split(b1.End())
				i1++
			case b2.End() < b1.End():
				b := b1.Split(b2.End())
				blocks = insertBlock(blocks, i1, b)
				i1++
				i2++
			default: // blocks are identical
				i1++
				i2++
			}
		case b1.Pos < b2.Pos:
			i1++
		default:
			blocks = insertBlock(blocks, i1, *b2)
			i1++
			i2++
		}
	}
	if i2 < len(bv) { // tail copy
		blocks = append(blocks, bv[i2:]...)
	}
	return blocks
}

func insertBlock(blocks []lzip.Block, i int, b lzip.Block) []lzip.Block {
	blocks = append(blocks, lzip.Block{})
	copy(blocks[i+1:], blocks[i:])
	blocks[i] = b
	return blocks
}

/* diffMember byte-compares the member across every pair of files and
   returns the union of the differing intervals, in absolute file
   positions, ascending and non-overlapping. Files that compare equal
   to another file share a color. */
func diffMember(mb lzip.Block, files []*os.File, colors []int) ([]lzip.Block, error) {
	const bufferSize = 65536
	buffer1 := make([]byte, bufferSize)
	buffer2 := make([]byte, bufferSize)
	var blocks []lzip.Block
	nextColor := 1

	for i1 := 0; i1 < len(files); i1++ {
		for i2 := i1 + 1; i2 < len(files); i2++ {
			if colors[i1] != 0 && colors[i1] == colors[i2] {
				continue
			}
			var bv []lzip.Block
			var partialPos int64
			begin := int64(-1) // begin of block, -1 means no block
			prevEqual := true
			for partialPos < mb.Size {
				size := mb.Size - partialPos
				if size > bufferSize {
					size = bufferSize
				}
				if _, err := files[i1].ReadAt(buffer1[:size], mb.Pos+partialPos); err != nil {
					return nil, envErr(err, "read error")
				}
				if _, err := files[i2].ReadAt(buffer2[:size], mb.Pos+partialPos); err != nil {
					return nil, envErr(err, "read error")
				}
				for i := int64(0); i < size; i++ {
					if buffer1[i] != buffer2[i] {
						prevEqual = false
						if begin < 0 {
							begin = partialPos + i // begin block
						}
					} else if !prevEqual {
						prevEqual = true
					} else if begin >= 0 { // end block
						bv = append(bv, lzip.Block{
							Pos:  mb.Pos + begin,
							Size: partialPos + i - 1 - begin,
						})
						begin = -1
					}
				}
				partialPos += size
			}
			if begin >= 0 { // finish last block
				size := partialPos - begin
				if prevEqual {
					size--
				}
				bv = append(bv, lzip.Block{Pos: mb.Pos + begin, Size: size})
			}
			if len(bv) == 0 { // members are identical, set to same color
				if colors[i1] == 0 {
					if colors[i2] != 0 {
						colors[i1] = colors[i2]
					} else {
						colors[i1] = nextColor
						colors[i2] = nextColor
						nextColor++
					}
				} else if colors[i2] == 0 {
					colors[i2] = colors[i1]
				} else {
					return nil, internalErrf("different colors assigned to identical members")
				}
			}
			blocks = combine(blocks, bv)
		}
		if colors[i1] == 0 {
			colors[i1] = nextColor
			nextColor++
		}
	}
	return blocks, nil
}

// maybeClusterBlocks merges blocks separated by the smallest uniform
// gap until at most 16 remain.
func maybeClusterBlocks(blocks []lzip.Block) []lzip.Block {
	oldSize := len(blocks)
	if oldSize <= 16 {
		return blocks
	}
	for len(blocks) > 16 {
		minGap := int64(math.MaxInt64)
		same := true // all gaps have the same size
		for i := 1; i < len(blocks); i++ {
			gap := blocks[i].Pos - blocks[i-1].End()
			if gap < minGap {
				if minGap < math.MaxInt64 {
					same = false
				}
				minGap = gap
			} else if gap != minGap {
				same = false
			}
		}
		if minGap >= math.MaxInt64 || same {
			break
		}
		for i := len(blocks) - 1; i > 0; i-- {
			gap := blocks[i].Pos - blocks[i-1].End()
			if gap == minGap {
				blocks[i-1].Size += gap + blocks[i].Size
				blocks = append(blocks[:i], blocks[i+1:]...)
			}
		}
	}
	if oldSize > len(blocks) {
		log.Info().Int("errors", oldSize).Int("clusters", len(blocks)).
			Msg("errors have been grouped in clusters")
	}
	return blocks
}

func colorDone(colors []int, i int) bool {
	for j := i - 1; j >= 0; j-- {
		if colors[j] == colors[i] {
			return true
		}
	}
	return false
}

func ipow(base, exponent int) int64 {
	result := int64(1)
	for i := 0; i < exponent; i++ {
		if math.MaxInt64/result >= int64(base) {
			result *= int64(base)
		} else {
			return math.MaxInt64
		}
	}
	return result
}

// merger carries the state shared by the three merge strategies.
type merger struct {
	out    *outFile
	files  []*os.File
	mb     lzip.Block
	blocks []lzip.Block
	colors []int
	dict   uint
}

func (m *merger) copyBlockFrom(fileIdx int, b lzip.Block) error {
	buf := make([]byte, b.Size)
	if _, err := m.files[fileIdx].ReadAt(buf, b.Pos); err != nil {
		return envErr(err, "read error")
	}
	return m.out.writeAt(buf, b.Pos)
}

func (m *merger) testOutputMember() (bool, int64, error) {
	m.out.mu.Lock()
	f := m.out.f
	m.out.mu.Unlock()
	res, failurePos, err := testMemberFromFile(f, m.mb, m.dict)
	if err != nil {
		return false, 0, err
	}
	return res == lzma.ResOK, failurePos, nil
}

// tryMergeMember2 divides the blocks in two color groups at every gap:
// file B fills every block, then file A takes over block by block.
func (m *merger) tryMergeMember2() (bool, error) {
	blocks := len(m.blocks)
	for i1 := 0; i1 < len(m.files); i1++ {
		for i2 := 0; i2 < len(m.files); i2++ {
			if i1 == i2 || m.colors[i1] == m.colors[i2] ||
				colorDone(m.colors, i1) {
				continue
			}
			for bi := 0; bi < blocks; bi++ {
				if err := m.copyBlockFrom(i2, m.blocks[bi]); err != nil {
					return false, err
				}
			}
			for bi := 0; bi+1 < blocks; bi++ {
				if err := m.copyBlockFrom(i1, m.blocks[bi]); err != nil {
					return false, err
				}
				ok, failurePos, err := m.testOutputMember()
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
				if m.mb.Pos+failurePos < m.blocks[bi].End() {
					break
				}
			}
		}
	}
	return false, nil
}

// tryMergeMember enumerates all file combinations over the blocks,
// depth first, aborting a branch as soon as the test fails at or
// before the last block changed.
func (m *merger) tryMergeMember() (bool, error) {
	blocks := len(m.blocks)
	variations := ipow(len(m.files), blocks)
	if variations >= math.MaxInt64 {
		if len(m.files) > 2 {
			return false, dataErrf("too many damaged blocks, try merging fewer files")
		}
		return false, dataErrf("too many damaged blocks, merging is not possible")
	}
	bi := 0                           // block index
	fileIdx := make([]int, blocks)    // file to read each block from
	for bi >= 0 {
		for bi < blocks {
			if err := m.copyBlockFrom(fileIdx[bi], m.blocks[bi]); err != nil {
				return false, err
			}
			bi++
		}
		ok, failurePos, err := m.testOutputMember()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		for bi > 0 && m.mb.Pos+failurePos < m.blocks[bi-1].Pos {
			bi--
		}
		for bi--; bi >= 0; bi-- {
			fileIdx[bi]++
			for fileIdx[bi] < len(m.files) && colorDone(m.colors, fileIdx[bi]) {
				fileIdx[bi]++
			}
			if fileIdx[bi] < len(m.files) {
				break
			}
			fileIdx[bi] = 0
		}
	}
	return false, nil
}

// tryMergeMember1 splits a single differing block at every possible
// position: file B's version, then file A's bytes one at a time from
// the left.
func (m *merger) tryMergeMember1() (bool, error) {
	if len(m.blocks) != 1 || m.blocks[0].Size <= 1 {
		return false, nil
	}
	pos := m.blocks[0].Pos
	size := m.blocks[0].Size
	for i1 := 0; i1 < len(m.files); i1++ {
		for i2 := 0; i2 < len(m.files); i2++ {
			if i1 == i2 || m.colors[i1] == m.colors[i2] ||
				colorDone(m.colors, i1) {
				continue
			}
			if err := m.copyBlockFrom(i2, m.blocks[0]); err != nil {
				return false, err
			}
			var b [1]byte
			for i := int64(0); i+1 < size; i++ {
				if _, err := m.files[i1].ReadAt(b[:], pos+i); err != nil {
					return false, envErr(err, "read error")
				}
				if err := m.out.writeAt(b[:], pos+i); err != nil {
					return false, err
				}
				ok, failurePos, err := m.testOutputMember()
				if err != nil {
					return false, err
				}
				if ok {
					return true, nil
				}
				if m.mb.Pos+failurePos <= pos+i {
					break
				}
			}
		}
	}
	return false, nil
}

// merge reconciles two or more damaged copies of the same file into
// one intact output.
func (c *Rescue) merge() error {
	filenames := c.cli.Files
	if len(filenames) < 2 {
		return envErrf("you must specify at least 2 files to merge")
	}
	for i := 0; i+1 < len(filenames); i++ {
		for j := i + 1; j < len(filenames); j++ {
			if filenames[i] == filenames[j] {
				return dataErrf("%s: input file given twice", filenames[i])
			}
		}
	}
	files := make([]*os.File, len(filenames))
	var inStats os.FileInfo
	crcs := make([]uint32, len(filenames))
	for i, name := range filenames {
		f, st, err := openInstream(name)
		if err != nil {
			return err
		}
		defer f.Close()
		files[i] = f
		if i == 0 {
			inStats = st
		}
		if crcs[i], err = fileCRC(f); err != nil {
			return err
		}
		for j := 0; j < i; j++ {
			if crcs[i] == crcs[j] {
				return dataErrf("input files %s and %s are identical",
					filenames[j], filenames[i])
			}
		}
	}

	// build the shared index from the first intact copy, or from all
	// copies at once when every one is damaged
	var x *index.Index
	var insize int64
	goodIdx := -1
	opts := c.indexOptions(true, false)
	for i, f := range files {
		st, err := f.Stat()
		if err != nil {
			return envErr(err, "stat error")
		}
		li, lerr := index.New(f, st.Size(), opts)
		if lerr == nil {
			if goodIdx < 0 {
				goodIdx = i
				x = li
			} else if !x.Equal(li) {
				return dataErrf("input files %s and %s are different",
					filenames[goodIdx], filenames[i])
			}
		}
		if st.Size() < lzip.MinMemberSize {
			return dataErrf("%s: input file is too short", filenames[i])
		}
		if i == 0 {
			insize = st.Size()
		} else if insize != st.Size() {
			return dataErrf("sizes of input files %s and %s are different",
				filenames[0], filenames[i])
		}
	}
	if x == nil {
		ras := make([]io.ReaderAt, len(files))
		for i, f := range files {
			ras[i] = f
		}
		li, err := index.NewMulti(ras, insize)
		if err != nil {
			return dataErrf("format damaged in all input files")
		}
		x = li
	}

	// a copy with no errors means recovery is not needed
	for i, f := range files {
		damaged := false
		for j := 0; j < x.Members(); j++ {
			res, _, err := testMemberFromFile(f, x.MBlock(j), x.DictSize(j))
			if err != nil {
				return err
			}
			if res != lzma.ResOK {
				damaged = true
				break
			}
		}
		if !damaged {
			log.Info().Str("file", filenames[i]).
				Msg("input file has no errors, recovery is not needed")
			return nil
		}
	}

	outName := c.cli.Output
	if outName == "" {
		outName = insertFixed(filenames[0])
	}
	if err := c.out.openRW(outName, c.cli.Force); err != nil {
		return envErr(err, "merge")
	}
	if err := copyFileRange(&c.out, files[0], 0, insize); err != nil {
		return c.failCleanup(err)
	}

	for j := 0; j < x.Members(); j++ {
		mb := x.MBlock(j)
		colors := make([]int, len(files))
		blocks, err := diffMember(mb, files, colors)
		if err != nil {
			return c.failCleanup(err)
		}
		if len(blocks) == 0 {
			if x.Members() > 1 {
				m := &merger{out: &c.out, files: files, mb: mb, dict: x.DictSize(j)}
				if ok, _, err := m.testOutputMember(); err != nil {
					return c.failCleanup(err)
				} else if ok {
					continue
				}
			}
			return c.failCleanup(dataErrf(
				"member %d is damaged and identical in all files, merging is not possible", j+1))
		}
		log.Info().Int("member", j+1).Int("members", x.Members()).
			Int("errors", len(blocks)).Msg("merging member")

		m := &merger{out: &c.out, files: files, mb: mb, blocks: blocks,
			colors: colors, dict: x.DictSize(j)}
		done := false
		if len(blocks) > 1 {
			m.blocks = maybeClusterBlocks(m.blocks)
			if done, err = m.tryMergeMember2(); err != nil {
				return c.failCleanup(err)
			}
		}
		// with just one member and one differing block this merge
		// cannot succeed
		if !done && (x.Members() > 1 || len(m.blocks) > 1) {
			if done, err = m.tryMergeMember(); err != nil {
				return c.failCleanup(err)
			}
		}
		if !done {
			if done, err = m.tryMergeMember1(); err != nil {
				return c.failCleanup(err)
			}
		}
		if !done {
			return c.failCleanup(dataErrf("some error areas overlap, merging is not possible"))
		}
	}

	if err := c.out.close(inStats); err != nil {
		return envErr(err, "merge")
	}
	log.Info().Str("output", outName).Msg("input files merged successfully")
	return nil
}
