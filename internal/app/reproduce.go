package app

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

/* zeroedSectorPos locates the single damaged area of the member: the
   first run of at least eight identical bytes inside the LZMA stream.
   More than one such area means the member cannot be reproduced. */
func zeroedSectorPos(mbuffer []byte) (begin, size int64, value byte, err error) {
	const minlen = 8 // min number of consecutive identical bytes
	i := int64(lzip.HeaderSize)
	end := int64(len(mbuffer)) - minlen
	begin = -1
	for i < end { // leave i pointing to the first differing byte
		b := mbuffer[i]
		i++
		if mbuffer[i] == b {
			pos := i - 1
			i++
			for i < int64(len(mbuffer)) && mbuffer[i] == b {
				i++
			}
			if i-pos >= minlen {
				if size > 0 {
					return -1, 0, 0, dataErrf("member contains more than one damaged area")
				}
				begin = pos
				size = i - pos
				value = b
			}
		}
	}
	if begin < 0 || size <= 0 {
		return -1, 0, 0, dataErrf("can't locate damaged area")
	}
	return begin, size, value, nil
}

/* prepareMaster2 builds a master tester suspended as near as possible
   to begin without crossing it: start 16 bytes before, then creep the
   limit forward one byte at a time. */
func prepareMaster2(mbuffer []byte, begin int64, dictSize uint) *lzma.Tester {
	posLimit := begin - 16
	if posLimit < lzip.HeaderSize {
		posLimit = lzip.HeaderSize
	}
	master := lzma.NewTester(mbuffer, dictSize)
	if master.TestMember(posLimit, lzma.NoLimit) != lzma.ResLimit ||
		master.MemberPosition() > begin {
		return nil
	}
	// decode as much data as possible without surpassing begin
	for posLimit < begin {
		if master.TestMember(posLimit+1, lzma.NoLimit) != lzma.ResLimit ||
			master.MemberPosition() > begin {
			break
		}
		posLimit++
	}
	master = lzma.NewTester(mbuffer, dictSize)
	if master.TestMember(posLimit, lzma.NoLimit) == lzma.ResLimit &&
		master.MemberPosition() <= begin {
		return master
	}
	return nil
}

/* matchFile locates in the reference data the bytes the master has
   already decoded. The reference must match from the last decoded
   byte back to the beginning of the file or of the dictionary; the
   match nearest the beginning of the file wins. As a fallback the
   longest partial match of at least 512 bytes is used. Returns the
   offset in the reference of the first undecoded byte, or -1. */
func matchFile(master *lzma.Tester, rbuf []byte, referenceName string) int64 {
	prevBuffer, decBuffer := master.Buffers()
	decSize := len(decBuffer)
	prevSize := len(prevBuffer)
	if decSize < 4 {
		log.Info().Str("reference", referenceName).
			Msg("can't match: not enough data in dictionary")
		return -1
	}
	offset := int64(-1) // offset in file of the first undecoded byte
	multiple := false
	lastByte := decBuffer[decSize-1]
	for i := int64(len(rbuf)) - 1; i >= 3; i-- { // match at least 4 bytes at bof
		if rbuf[i] != lastByte {
			continue
		}
		// compare the file with the two parts of the dictionary
		length := int64(decSize - 1)
		if i < length {
			length = i
		}
		if bytes.Equal(rbuf[i-length:i], decBuffer[int64(decSize)-1-length:int64(decSize)-1]) {
			length2 := int64(prevSize)
			if i-length < length2 {
				length2 = i - length
			}
			if length2 <= 0 || prevBuffer == nil ||
				bytes.Equal(rbuf[i-length-length2:i-length],
					prevBuffer[int64(prevSize)-length2:]) {
				if offset >= 0 {
					multiple = true
				}
				offset = i + 1
				i -= length + length2
			}
		}
	}
	if offset >= 0 {
		if multiple {
			log.Warn().Str("reference", referenceName).Int64("offset", offset).
				Msg("multiple matches, using match nearest the beginning")
		} else {
			log.Debug().Str("reference", referenceName).Int64("offset", offset).
				Msg("match found")
		}
		return offset
	}
	maxlen := int64(0) // choose the longest match in the reference file
	for i := int64(len(rbuf)) - 1; i >= 0; i-- {
		if rbuf[i] != lastByte {
			continue
		}
		size1 := int64(decSize)
		if i+1 < size1 {
			size1 = i + 1
		}
		length := int64(1)
		for length < size1 && rbuf[i-length] == decBuffer[int64(decSize)-length-1] {
			length++
		}
		if length == size1 && prevBuffer != nil {
			size2 := int64(prevSize)
			if i+1-size1 < size2 {
				size2 = i + 1 - size1
			}
			for length < size1+size2 &&
				rbuf[i-length] == prevBuffer[int64(prevSize)+size1-length-1] {
				length++
			}
		}
		if length > maxlen {
			maxlen = length
			offset = i + 1
			i -= length
		}
	}
	if maxlen >= 512 && offset >= 0 {
		log.Warn().Str("reference", referenceName).Int64("offset", offset).
			Int64("len", maxlen).
			Msg("partial match found, reference data may be mixed with other data")
		return offset
	}
	log.Info().Str("reference", referenceName).
		Msg("reference does not match decoded data")
	return -1
}

/* tryReproduce runs the external compressor over the decoded prefix
   plus the reference data and byte-compares its output with the
   damaged member, copying bytes into the zeroed sector where the
   stream compares equal everywhere else. A feeder goroutine plays the
   role of the data-feeder child of the original fork-based design.
   Return: -1 = mismatch, 0 = success, > 0 = fatal error. */
func (c *Rescue) tryReproduce(mbuffer []byte, dsize int64, goodDsize int64,
	begin, end int64, rbuf []byte, offset int64, dictSize uint,
	argv []string) (int, error) {

	cmd := exec.CommandContext(c.ctx, argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 1, envErr(err, "can't create pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 1, envErr(err, "can't create pipe")
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 1, envErr(err, fmt.Sprintf("can't exec %q", argv[0]))
	}

	var g errgroup.Group
	g.Go(func() error { // compressor feeder
		defer stdin.Close()
		mt := lzma.NewTester(mbuffer, dictSize)
		mt.SetWriter(stdin)
		if mt.TestMember(lzma.NoLimit, goodDsize) != lzma.ResLimit ||
			goodDsize != mt.DataPosition() {
			return errors.New("error decompressing prefix data for compressor")
		}
		// limit reference data to the remaining data in the member
		size := int64(len(rbuf)) - offset
		if rest := dsize - goodDsize; rest < size {
			size = rest
		}
		if _, err := stdin.Write(rbuf[offset : offset+size]); err != nil {
			return errors.Wrap(err, "error writing reference data to compressor")
		}
		return nil
	})

	xend := end + 4
	if xend > int64(len(mbuffer)) {
		xend = int64(len(mbuffer))
	}
	retval := 0 // -1 = mismatch
	tailMismatch := false
	buffer := make([]byte, 16384)
	i := int64(0)
compare:
	for i < xend {
		rd, rerr := stdout.Read(buffer)
		if rd <= 0 {
			// not enough reference data to fill the zeroed sector at
			// this level
			if i < end {
				retval = -1
			}
			if rerr != nil {
				break
			}
			continue
		}
		j := int64(0)
		/* Compare the reproduced bytes with the member. A mismatch
		   beyond the end of the zeroed sector does not fail the level,
		   so a reference just covering the sector still works. */
		for ; j < int64(rd) && i < begin; j, i = j+1, i+1 {
			if mbuffer[i] != buffer[j] { // mismatch
				if i != 5 { // ignore a different coded dictionary size
					retval = -1
					break compare
				}
			}
		}
		// copy the reproduced bytes into the zeroed sector
		for ; j < int64(rd) && i < end; j, i = j+1, i+1 {
			mbuffer[i] = buffer[j]
		}
		for ; j < int64(rd) && i < xend; j, i = j+1, i+1 {
			if mbuffer[i] != buffer[j] {
				tailMismatch = true
				break compare
			}
		}
	}
	_, _ = io.Copy(io.Discard, stdout) // drain so the child can exit
	feedErr := g.Wait()
	if werr := cmd.Wait(); werr != nil || feedErr != nil {
		if retval == 0 {
			retval = -1
		}
	}
	if retval == 0 { // test the whole member after reproduction
		mt := lzma.NewTester(mbuffer, dictSize)
		if mt.Test() != lzma.ResOK || !mt.Finished() {
			if !tailMismatch {
				log.Debug().Msg("zeroed sector reproduced, but CRC does not match (multiple damages in file?)")
			} else {
				log.Debug().Msg("zeroed sector reproduced, but data after it does not match (wrong reference data or lzip version?)")
			}
			retval = -1 // incorrect reproduction of the zeroed sector
		}
	}
	return retval, nil
}

/* reproduceMember probes compression levels 0..9 and then match
   length limits 5..273, in order, until one reproduces the member
   byte-identically. Return: -1 = master failed, 0 = success,
   > 0 = failure. */
func (c *Rescue) reproduceMember(mbuffer []byte, dsize int64,
	begin, size int64, rbuf []byte) (int, error) {

	var header lzip.Header
	copy(header[:], mbuffer)
	dictSize := header.DictSize()
	master := prepareMaster2(mbuffer, begin, dictSize)
	if master == nil {
		return -1, nil
	}
	log.Debug().Int64("mpos", master.MemberPosition()).
		Int64("dpos", master.DataPosition()).Msg("master prepared")

	offset := matchFile(master, rbuf, c.cli.Reference)
	if offset < 0 {
		return 2, nil // no match
	}
	/* Reference data from offset must be at least as large as the
	   zeroed sector, minus the member trailer when the trailer is
	   inside the zeroed sector. */
	t := int64(0)
	if begin+size >= int64(len(mbuffer)) {
		t = 16 + lzip.TrailerSize
	}
	if int64(len(rbuf))-offset < size-t {
		log.Warn().Str("reference", c.cli.Reference).
			Msg("not enough reference data after match")
		return 2, nil
	}

	goodDsize := master.DataPosition()
	end := begin + size
	dictStr := fmt.Sprintf("-s%d", dictSize)
	level := c.cli.LzipLevel
	if level == "" || level == "a" {
		for lv := '0'; lv <= '9'; lv++ {
			if level != "" && level != "a" && rune(level[0]) != lv {
				continue
			}
			log.Info().Str("level", string(lv)).Msg("trying compression level")
			argv := []string{c.cli.LzipName, "-" + string(lv), dictStr}
			if lv == '0' {
				argv = []string{c.cli.LzipName, "-0"}
			}
			ret, err := c.tryReproduce(mbuffer, dsize, goodDsize, begin, end,
				rbuf, offset, dictSize, argv)
			if err != nil {
				return 1, err
			}
			if ret >= 0 {
				return ret, nil
			}
		}
	} else if level[0] >= '0' && level[0] <= '9' {
		argv := []string{c.cli.LzipName, "-" + level[:1], dictStr}
		if level[0] == '0' {
			argv = []string{c.cli.LzipName, "-0"}
		}
		log.Info().Str("level", level[:1]).Msg("trying compression level")
		ret, err := c.tryReproduce(mbuffer, dsize, goodDsize, begin, end,
			rbuf, offset, dictSize, argv)
		if err != nil {
			return 1, err
		}
		if ret >= 0 {
			return ret, nil
		}
	}
	if level == "" || level == "a" || level[0] == 'm' {
		for length := lzma.MinMatchLenLimit; length <= lzma.MaxMatchLen; length++ {
			if len(level) > 1 && level[0] == 'm' &&
				fmt.Sprintf("m%d", length) != level {
				continue
			}
			log.Info().Int("match_length", length).Msg("trying match length limit")
			argv := []string{c.cli.LzipName, fmt.Sprintf("-m%d", length), dictStr}
			ret, err := c.tryReproduce(mbuffer, dsize, goodDsize, begin, end,
				rbuf, offset, dictSize, argv)
			if err != nil {
				return 1, err
			}
			if ret >= 0 {
				return ret, nil
			}
		}
	}
	return 2, nil
}

// reproduce replaces the zeroed sector of a damaged member with bytes
// regenerated by compressing reference plaintext with an external
// lzip-compatible compressor.
func (c *Rescue) reproduce() error {
	if c.cli.Reference == "" {
		return envErrf("reproduce needs --reference-file")
	}
	name := c.cli.Files[0]
	f, st, x, err := openIndex(name, c.indexOptions(true, false))
	if err != nil {
		return err
	}
	defer f.Close()

	rf, rst, err := openInstream(c.cli.Reference)
	if err != nil {
		return err
	}
	defer rf.Close()
	rbuf, runmap, err := mmapFile(rf, rst.Size(), false)
	if err != nil {
		return err
	}
	defer runmap()

	outName := c.cli.Output
	if outName == "" {
		outName = insertFixed(name)
	}
	opened := false
	errCount := 0
	for i := 0; i < x.Members(); i++ {
		mb := x.MBlock(i)
		res, failurePos, err := testMemberFromFile(f, mb, x.DictSize(i))
		if err != nil {
			return err
		}
		if res == lzma.ResOK {
			continue // member is not damaged
		}
		if errCount++; errCount > 1 {
			break // only one member can be reproduced
		}
		if failurePos < lzip.HeaderSize {
			return dataErrf("%s: unexpected end of file", name)
		}
		mbuffer, unmap, err := mmapMember(f, mb)
		if err != nil {
			return err
		}
		begin, size, value, err := zeroedSectorPos(mbuffer)
		if err != nil {
			unmap()
			return err
		}
		if failurePos < begin {
			unmap()
			return dataErrf("%s: data error found before damaged area", name)
		}
		log.Info().Int("member", i+1).Int64("begin", begin).
			Int64("size", size).Uint8("value", value).
			Msg("reproducing bad area in member")
		ret, err := c.reproduceMember(mbuffer, x.DBlock(i).Size, begin, size, rbuf)
		if err != nil {
			unmap()
			return c.failCleanup(err)
		}
		if ret < 0 {
			unmap()
			return envErrf("can't prepare master")
		}
		if ret > 0 {
			unmap()
			return dataErrf("%s: unable to reproduce member", name)
		}
		if !opened { // first damaged member reproduced
			if err := c.out.open(outName, true); err != nil {
				unmap()
				return envErr(err, "reproduce")
			}
			opened = true
			if err := copyFileRange(&c.out, f, 0, st.Size()); err != nil {
				unmap()
				return c.failCleanup(err)
			}
		}
		if err := c.out.writeAt(mbuffer[begin:begin+size], mb.Pos+begin); err != nil {
			unmap()
			return c.failCleanup(envErr(err, "error writing file"))
		}
		unmap()
		log.Info().Msg("member reproduced successfully")
	}

	if !opened {
		log.Info().Str("file", name).
			Msg("input file has no errors, recovery is not needed")
		return nil
	}
	if err := c.out.close(st); err != nil {
		return envErr(err, "reproduce")
	}
	if errCount > 1 {
		log.Warn().Msg("one member reproduced, copy of input file still contains errors")
	} else {
		log.Info().Str("output", outName).Msg("repaired copy written")
	}
	return nil
}
