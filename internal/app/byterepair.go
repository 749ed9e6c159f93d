package app

import (
	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

// grossDamage reports whether any eight consecutive bytes of the LZMA
// stream are identical. Such a run means a zeroed sector, which the
// single-byte search cannot fix; the reproduce engine is the right
// tool for those.
func grossDamage(mbuffer []byte) bool {
	const maxlen = 7 // max number of consecutive identical bytes
	i := int64(lzip.HeaderSize)
	end := int64(len(mbuffer)) - lzip.TrailerSize - maxlen
	for i < end {
		b := mbuffer[i]
		length := 0 // does not count the first byte
		for {
			i++
			if mbuffer[i] != b {
				break
			}
			if length++; length >= maxlen {
				return true
			}
		}
	}
	return false
}

/* repairDictionarySize checks whether the coded dictionary size is
   the damaged byte: an invalid size, or one smaller than the data it
   must cover, is re-tried with the dictionary of option -9 and then
   with the maximum. Returns 5 (the position of the coded byte) when a
   rewrite makes the member decode, 0 otherwise. */
func repairDictionarySize(mbuffer []byte) int64 {
	var header lzip.Header
	copy(header[:], mbuffer)
	dictSize := header.DictSize()
	var trailer lzip.Trailer
	copy(trailer[:], mbuffer[len(mbuffer)-lzip.TrailerSize:])
	dataSize := trailer.DataSize()
	validDS := lzip.ValidDictSize(dictSize)
	if validDS && uint64(dictSize) >= dataSize {
		return 0 // can't be bad
	}

	const dictSize9 = 1 << 25 // dictionary size of option -9
	fix := func(ds uint) bool {
		mt := lzma.NewTester(mbuffer, ds)
		if mt.Test() != lzma.ResOK {
			return false
		}
		header.SetDictSize(ds)
		mbuffer[5] = header[5]
		return true
	}
	if !validDS || dictSize < dictSize9 {
		ds := uint(dictSize9)
		if dataSize < dictSize9 {
			ds = uint(dataSize)
		}
		if ds < lzip.MinDictSize {
			ds = lzip.MinDictSize
		}
		mt := lzma.NewTester(mbuffer, ds)
		result := mt.Test()
		if result == lzma.ResOK {
			header.SetDictSize(ds)
			mbuffer[5] = header[5]
			return 5
		}
		if result != lzma.ResDecodeError || mt.MaxDistance() <= ds ||
			mt.MaxDistance() > lzip.MaxDictSize {
			return 0
		}
	}
	if dataSize > dictSize9 {
		ds := uint(lzip.MaxDictSize)
		if dataSize < lzip.MaxDictSize {
			ds = uint(dataSize)
		}
		if fix(ds) {
			return 5
		}
	}
	return 0
}

// prepareMaster decodes the member up to posLimit and returns the
// suspended tester, or nil if the prefix does not decode that far.
func prepareMaster(mbuffer []byte, posLimit int64, dictSize uint) *lzma.Tester {
	master := lzma.NewTester(mbuffer, dictSize)
	if master.TestMember(posLimit, lzma.NoLimit) == lzma.ResLimit {
		return master
	}
	return nil
}

// testMemberRest resumes a forked copy of master to the end of the
// member. It reports success and, on failure, the failing position.
func testMemberRest(master *lzma.Tester, buffer2 []byte) (bool, int64) {
	mt := master.Fork(buffer2)
	if mt.Test() == lzma.ResOK && mt.Finished() {
		return true, 0
	}
	return false, mt.MemberPosition()
}

/* repairMember walks positions from end back to begin (bounded to
   50000 bytes) in slabs of 100; for each slab one master is prepared
   16 bytes before it, and each position is probed with all 255
   nonzero byte deltas, resuming a fork of the master every time.
   Returns the repaired position, 0 if none works, -1 if the master
   cannot be prepared. */
func repairMember(mbuffer []byte, mpos int64, begin, end int64, dictSize uint) int64 {
	buffer2 := make([]byte, dictSize)
	for pos := end; pos >= begin && pos > end-50000; {
		minPos := begin
		if p := pos - 100; p > minPos {
			minPos = p
		}
		posLimit := minPos - 16
		if posLimit < 0 {
			posLimit = 0
		}
		master := prepareMaster(mbuffer, posLimit, dictSize)
		if master == nil {
			return -1
		}
		for ; pos >= minPos; pos-- {
			log.Trace().Int64("pos", mpos+pos).Msg("trying position")
			for j := 0; j < 255; j++ {
				mbuffer[pos]++
				if ok, _ := testMemberRest(master, buffer2); ok {
					return pos
				}
			}
			mbuffer[pos]++ // restore the original value
		}
	}
	return 0
}

// byteRepair finds and repairs a single corrupted byte in each
// damaged member of the input, writing a fixed copy of the file.
func (c *Rescue) byteRepair() error {
	for _, name := range c.cli.Files {
		if err := c.byteRepairFile(name); err != nil {
			return c.failCleanup(err)
		}
	}
	return nil
}

func (c *Rescue) byteRepairFile(name string) error {
	f, st, x, err := openIndex(name, c.indexOptions(true, false))
	if err != nil {
		return err
	}
	defer f.Close()

	outName := c.cli.Output
	if outName == "" {
		outName = insertFixed(name)
	}
	opened := false
	for i := 0; i < x.Members(); i++ {
		mb := x.MBlock(i)
		res, failurePos, err := testMemberFromFile(f, mb, x.DictSize(i))
		if err != nil {
			return err
		}
		if res == lzma.ResOK {
			continue
		}
		if failurePos < lzip.HeaderSize { // end of file
			return dataErrf("%s: can't repair error in input file", name)
		}
		if failurePos >= mb.Size-8 {
			failurePos = mb.Size - 8 - 1
		}
		log.Info().Int("member", i+1).Int("members", x.Members()).
			Int64("failure_pos", mb.Pos+failurePos).Msg("repairing member")

		mbuffer, err := readMember(f, mb)
		if err != nil {
			return err
		}
		var header lzip.Header
		copy(header[:], mbuffer)
		dictSize := header.DictSize()
		var pos int64
		if !grossDamage(mbuffer) {
			pos = repairDictionarySize(mbuffer)
			if pos == 0 {
				pos = repairMember(mbuffer, mb.Pos, lzip.HeaderSize+1,
					lzip.HeaderSize+6, dictSize)
			}
			if pos == 0 {
				pos = repairMember(mbuffer, mb.Pos, lzip.HeaderSize+7,
					failurePos, dictSize)
			}
		}
		if pos < 0 {
			return envErrf("%s: can't prepare master", name)
		}
		if pos > 0 {
			if !opened { // first damaged member repaired
				if err := c.out.open(outName, true); err != nil {
					return envErr(err, "byte-repair")
				}
				opened = true
				if err := copyFileRange(&c.out, f, 0, st.Size()); err != nil {
					return err
				}
			}
			if err := c.out.writeAt(mbuffer[pos:pos+1], mb.Pos+pos); err != nil {
				return envErr(err, "error writing output file")
			}
			log.Info().Int64("pos", mb.Pos+pos).Msg("byte repaired")
		} else {
			return dataErrf("%s: can't repair input file, error is probably larger than 1 byte", name)
		}
	}

	if !opened {
		log.Info().Str("file", name).
			Msg("input file has no errors, recovery is not needed")
		return nil
	}
	if err := c.out.close(st); err != nil {
		return envErr(err, "byte-repair")
	}
	log.Info().Str("output", outName).Msg("copy of input file repaired successfully")
	return nil
}

// debugByteRepair injects the --set-byte fault into a sound member
// and verifies the repair engine recovers it. Failure to repair after
// an injection we know is one byte is an internal error.
func (c *Rescue) debugByteRepair() error {
	bad, err := parseBadByte(c.cli.SetByte)
	if err != nil {
		return envErr(err, "set-byte")
	}
	name := c.cli.Files[0]
	f, _, x, err := openIndex(name, c.indexOptions(false, false))
	if err != nil {
		return err
	}
	defer f.Close()

	idx := -1
	for i := 0; i < x.Members(); i++ {
		if x.MBlock(i).Includes(bad.Pos) {
			idx = i
			break
		}
	}
	if idx < 0 {
		log.Warn().Str("file", name).Msg("nothing to do")
		return nil
	}
	mb := x.MBlock(idx)
	if res, failurePos, err := testMemberFromFile(f, mb, x.DictSize(idx)); err != nil {
		return err
	} else if res != lzma.ResOK {
		return dataErrf("member %d of %d already damaged (failure pos = %d)",
			idx+1, x.Members(), mb.Pos+failurePos)
	}
	mbuffer, err := readMember(f, mb)
	if err != nil {
		return err
	}
	var header lzip.Header
	copy(header[:], mbuffer)
	dictSize := header.DictSize()
	goodValue := mbuffer[bad.Pos-mb.Pos]
	badValue := bad.Apply(goodValue)
	mbuffer[bad.Pos-mb.Pos] = badValue
	var failurePos int64
	if bad.Pos != 5 || lzip.ValidDictSize(header.DictSize()) {
		mt := lzma.NewTester(mbuffer, header.DictSize())
		if mt.Test() == lzma.ResOK && mt.Finished() {
			log.Info().Msg("member decompressed with no errors")
			return nil
		}
		failurePos = mt.MemberPosition()
	}
	log.Info().Int64("damage_pos", bad.Pos).
		Uint8("old", goodValue).Uint8("new", badValue).
		Int64("failure_pos", mb.Pos+failurePos).Msg("test repairing member")
	if failurePos >= mb.Size {
		failurePos = mb.Size - 1
	}
	pos := repairDictionarySize(mbuffer)
	if pos == 0 {
		pos = repairMember(mbuffer, mb.Pos, lzip.HeaderSize+1, lzip.HeaderSize+6, dictSize)
	}
	if pos == 0 {
		pos = repairMember(mbuffer, mb.Pos, lzip.HeaderSize+7, failurePos, dictSize)
	}
	if pos < 0 {
		return envErrf("can't prepare master")
	}
	if pos == 0 {
		return internalErrf("can't repair input file")
	}
	log.Info().Msg("member repaired successfully")
	return nil
}
