package app

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
	"github.com/lzrescue/lzrescue/pkg/index"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

// memberIncluded evaluates the selector for one member, testing the
// member when the damaged or empty flags require it.
func memberIncluded(sel *index.Selector, f *os.File, x *index.Index,
	i, blockIdx, blocks int) (bool, error) {
	if sel.Includes(blockIdx, blocks) {
		return true, nil
	}
	if sel.Damaged {
		res, _, err := testMemberFromFile(f, x.MBlock(i), x.DictSize(i))
		if err != nil {
			return false, err
		}
		if res != lzma.ResOK {
			return true, nil
		}
	}
	if sel.Empty && x.DBlock(i).Size == 0 {
		return true, nil
	}
	return false, nil
}

// dumpStrip copies to the output the members, gaps and trailing data
// selected (dump) or not selected (strip).
func (c *Rescue) dumpStrip(selArg string, strip bool) error {
	sel, err := index.ParseSelector(selArg)
	if err != nil {
		return envErr(err, "dump")
	}
	switch {
	case c.cli.Stdout || c.cli.Output == "":
		c.out.useStdout()
	default:
		if err := c.out.open(c.cli.Output, c.cli.Force); err != nil {
			return envErr(err, "dump")
		}
	}
	var copiedSize, strippedSize int64
	var members, smembers int

	for fi, name := range c.cli.Files {
		opts := c.indexOptions(c.cli.IgnoreErrors || sel.Damaged,
			c.cli.IgnoreErrors || sel.Damaged)
		if sel.Tdata {
			opts.IgnoreTrailing = true
		}
		f, _, x, err := openIndex(name, opts)
		if err != nil {
			return c.failCleanup(err)
		}
		blocks := x.Blocks(false) // not counting trailing data
		var streamPos int64      // first pos not yet read from the file
		gaps := 0
		prevMembers := members
		for j := 0; j < x.Members(); j++ {
			mb := x.MBlock(j)
			if mb.Pos > streamPos { // gap
				in := sel.Damaged || sel.Includes(j+gaps, blocks)
				if in != strip {
					if err := copyFileRange(&c.out, f, streamPos, mb.Pos-streamPos); err != nil {
						f.Close()
						return c.failCleanup(err)
					}
					copiedSize += mb.Pos - streamPos
					members++
				} else {
					strippedSize += mb.Pos - streamPos
					smembers++
				}
				gaps++
			}
			in, err := memberIncluded(&sel, f, x, j, j+gaps, blocks)
			if err != nil {
				f.Close()
				return c.failCleanup(err)
			}
			if in != strip {
				if err := copyFileRange(&c.out, f, mb.Pos, mb.Size); err != nil {
					f.Close()
					return c.failCleanup(err)
				}
				copiedSize += mb.Size
				members++
			} else {
				strippedSize += mb.Size
				smembers++
			}
			streamPos = mb.End()
		}
		if strip && members == prevMembers && !sel.Tdata {
			log.Warn().Str("file", name).Msg("all members stripped, skipping")
		}
		// trailing data: strip copies it only from the last file
		trailingSize := x.FileSize() - x.CDataSize()
		if sel.Tdata == !strip && trailingSize > 0 &&
			(!strip || fi+1 >= len(c.cli.Files)) {
			if err := copyFileRange(&c.out, f, x.CDataSize(), trailingSize); err != nil {
				f.Close()
				return c.failCleanup(err)
			}
		}
		f.Close()
	}
	if err := c.out.close(nil); err != nil {
		return envErr(err, "dump")
	}
	if strip {
		log.Info().Int64("bytes", strippedSize).Int("members", smembers).
			Msg("stripped")
	} else {
		log.Info().Int64("bytes", copiedSize).Int("members", members).
			Msg("dumped")
	}
	return nil
}

// remove rewrites each file in place, copying the retained bytes over
// the removed ranges, truncating, and restoring the timestamps.
func (c *Rescue) remove(selArg string) error {
	sel, err := index.ParseSelector(selArg)
	if err != nil {
		return envErr(err, "remove")
	}
	var removedSize int64
	var members int
	for _, name := range c.cli.Files {
		opts := c.indexOptions(c.cli.IgnoreErrors || sel.Damaged,
			c.cli.IgnoreErrors || sel.Damaged)
		if sel.Tdata {
			opts.IgnoreTrailing = true
		}
		f, st, x, err := openIndex(name, opts)
		if err != nil {
			return err
		}
		w, err := os.OpenFile(name, os.O_WRONLY, 0)
		if err != nil {
			f.Close()
			return envErr(err, "can't open file for update")
		}

		blocks := x.Blocks(false)
		var streamPos int64 // first pos not yet written to the file
		gaps := 0
		prevMembers := members
		fail := func(err error) error {
			w.Close()
			f.Close()
			return err
		}
		for j := 0; j < x.Members(); j++ {
			mb := x.MBlock(j)
			prevEnd := int64(0)
			if j > 0 {
				prevEnd = x.MBlock(j - 1).End()
			}
			if mb.Pos > prevEnd { // gap
				if !sel.Damaged && !sel.Includes(j+gaps, blocks) {
					if streamPos != prevEnd {
						if err := copyWithin(f, w, prevEnd, streamPos, mb.Pos-prevEnd); err != nil {
							return fail(err)
						}
					}
					streamPos += mb.Pos - prevEnd
				} else {
					members++
				}
				gaps++
			}
			in, err := memberIncluded(&sel, f, x, j, j+gaps, blocks)
			if err != nil {
				return fail(err)
			}
			if !in {
				if streamPos != mb.Pos {
					if err := copyWithin(f, w, mb.Pos, streamPos, mb.Size); err != nil {
						return fail(err)
					}
				}
				streamPos += mb.Size
			} else {
				members++
			}
		}
		if streamPos == 0 { // all members would be removed
			log.Warn().Str("file", name).Msg("all members would be removed, skipping")
			w.Close()
			f.Close()
			members = prevMembers
			continue
		}
		cdataSize := x.CDataSize()
		if cdataSize > streamPos {
			removedSize += cdataSize - streamPos
		}
		trailingSize := x.FileSize() - cdataSize
		if trailingSize > 0 && !sel.Tdata { // copy trailing data
			if streamPos != cdataSize {
				if err := copyWithin(f, w, cdataSize, streamPos, trailingSize); err != nil {
					return fail(err)
				}
			}
			streamPos += trailingSize
		}
		if streamPos >= x.FileSize() { // nothing was removed
			w.Close()
			f.Close()
			continue
		}
		if err := unix.Ftruncate(int(w.Fd()), streamPos); err != nil {
			return fail(envErr(err, "can't truncate file"))
		}
		if err := w.Close(); err != nil {
			f.Close()
			return envErr(err, "error closing file")
		}
		f.Close()
		if ust, ok := st.Sys().(*unix.Stat_t); ok {
			tv := []unix.Timeval{
				{Sec: ust.Atim.Sec, Usec: ust.Atim.Nsec / 1000},
				{Sec: ust.Mtim.Sec, Usec: ust.Mtim.Nsec / 1000},
			}
			_ = unix.Utimes(name, tv)
		}
	}
	log.Info().Int64("bytes", removedSize).Int("members", members).
		Msg("removed")
	return nil
}

// copyWithin copies size bytes from rpos of r to wpos of w. The
// destination never overtakes the source, so in-place compaction to a
// lower position is safe.
func copyWithin(r io.ReaderAt, w io.WriterAt, rpos, wpos, size int64) error {
	buf := make([]byte, 65536)
	for size > 0 {
		n := int64(len(buf))
		if size < n {
			n = size
		}
		if _, err := r.ReadAt(buf[:n], rpos); err != nil {
			return envErr(err, "read error")
		}
		if _, err := w.WriteAt(buf[:n], wpos); err != nil {
			return envErr(err, "write error")
		}
		rpos += n
		wpos += n
		size -= n
	}
	return nil
}

// split writes one numbered file per member, gap and trailing data.
func (c *Rescue) split() error {
	name := c.cli.Files[0]
	f, st, x, err := openIndex(name, index.Options{
		IgnoreTrailing: true, LooseTrailing: true,
		IgnoreBadDict: true, IgnoreGaps: true,
		IgnoreEmpty: true, IgnoreMarking: true,
	})
	if err != nil {
		return err
	}
	defer f.Close()

	// on a corrupt or fake trailer, shorten the scan to the failing
	// member and re-index
	last := x.Members() - 1
	mb := x.MBlock(last)
	res, failurePos, err := testMemberFromFile(f, mb, x.DictSize(last))
	if err != nil {
		return err
	}
	if res == lzma.ResDecodeError {
		mpos, msize := mb.Pos, mb.Size
		for {
			mpos += failurePos
			msize -= failurePos
			if msize < int64(lzip.MinMemberSize) {
				break // trailing data
			}
			res, failurePos, err = testMemberFromFile(f,
				lzip.Block{Pos: mpos, Size: msize}, 0)
			if err != nil {
				return err
			}
			if res != lzma.ResDecodeError {
				break
			}
		}
		x2, err := index.New(f, st.Size(), index.Options{
			IgnoreTrailing: true, LooseTrailing: true,
			IgnoreBadDict: true, IgnoreGaps: true,
			IgnoreEmpty: true, IgnoreMarking: true, MaxPos: mpos,
		})
		if err != nil {
			return err
		}
		x = x2
	}

	maxDigits := 1
	for i := x.Blocks(true); i >= 10; i /= 10 {
		maxDigits++
	}
	part := 0
	writePart := func(pos, size int64) error {
		part++
		outName := fmt.Sprintf("%srec%0*d", dirPrefix(c.cli.Output, name), maxDigits, part)
		if err := c.out.open(outName, c.cli.Force); err != nil {
			return envErr(err, "split")
		}
		if err := copyFileRange(&c.out, f, pos, size); err != nil {
			return c.failCleanup(err)
		}
		if err := c.out.close(st); err != nil {
			return envErr(err, "split")
		}
		log.Debug().Str("file", outName).Msg("part written")
		return nil
	}
	var streamPos int64
	for i := 0; i < x.Members(); i++ {
		mb := x.MBlock(i)
		if mb.Pos > streamPos { // gap
			if err := writePart(streamPos, mb.Pos-streamPos); err != nil {
				return err
			}
		}
		if err := writePart(mb.Pos, mb.Size); err != nil {
			return err
		}
		streamPos = mb.End()
	}
	if x.FileSize() > streamPos { // trailing data
		if err := writePart(streamPos, x.FileSize()-streamPos); err != nil {
			return err
		}
	}
	return nil
}

// dirPrefix returns the directory part of output (or of the input
// name when no output is given), ready to prepend to "recNNN".
func dirPrefix(output, input string) string {
	name := input
	if output != "" {
		name = output
	}
	b := len(name)
	for b > 0 && name[b-1] != '/' {
		b--
	}
	return name[:b]
}
