package app

import (
	"bytes"
	"crypto/md5"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/internal/config"
	"github.com/lzrescue/lzrescue/pkg/index"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

// parseBadByte parses "pos,val" where val is a literal value, +delta
// or ^mask.
func parseBadByte(arg string) (lzip.BadByte, error) {
	var bad lzip.BadByte
	posStr, valStr, found := strings.Cut(arg, ",")
	if !found {
		return bad, errors.Errorf("bad argument %q, expected pos,val", arg)
	}
	pos, err := strconv.ParseInt(posStr, 0, 64)
	if err != nil || pos < 0 {
		return bad, errors.Errorf("bad position in %q", arg)
	}
	bad.Pos = pos
	switch {
	case strings.HasPrefix(valStr, "+"):
		bad.Mode = lzip.BadByteDelta
		valStr = valStr[1:]
	case strings.HasPrefix(valStr, "^"):
		bad.Mode = lzip.BadByteFlip
		valStr = valStr[1:]
	default:
		bad.Mode = lzip.BadByteLiteral
	}
	val, err := strconv.ParseUint(valStr, 0, 8)
	if err != nil {
		return bad, errors.Errorf("bad value in %q", arg)
	}
	bad.Value = byte(val)
	return bad, nil
}

// harnessStats counts the outcomes of a fault-injection run.
type harnessStats struct {
	positions, decompressions, successes, failedComparisons int
}

func (s harnessStats) log(what string) {
	log.Info().Int(what, s.positions).
		Int("decompressions", s.decompressions).
		Int("successes", s.successes).
		Int("failed_comparisons", s.failedComparisons).
		Msg("harness finished")
}

// verifyMember decodes a pristine member and returns the MD5 of its
// data.
func verifyMember(mbuffer []byte, dictSize uint) ([16]byte, error) {
	h := md5.New()
	mt := lzma.NewTester(mbuffer, dictSize)
	mt.SetMD5(h)
	if mt.Test() != lzma.ResOK || !mt.Finished() {
		return [16]byte{}, dataErrf("error verifying input file")
	}
	var digest [16]byte
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// compareMember re-decodes a mutated member that passed the test and
// compares its data MD5 with the pristine digest. A mismatch is a
// false negative of the integrity check.
func compareMember(mbuffer []byte, dictSize uint, digest [16]byte) bool {
	h := md5.New()
	mt := lzma.NewTester(mbuffer, dictSize)
	mt.SetMD5(h)
	if mt.Test() != lzma.ResOK || !mt.Finished() {
		return false
	}
	var got [16]byte
	copy(got[:], h.Sum(nil))
	return got == digest
}

// unzcrash runs the in-process fault-injection harness: "1" flips
// every bit of every stream byte, "B<n>" zeroes blocks of n bytes at
// every delta-stride position.
func (c *Rescue) unzcrash() error {
	arg := c.cli.Unzcrash
	switch {
	case arg == "1":
		return c.bitFlipHarness()
	case strings.HasPrefix(arg, "B"):
		size, err := config.ParseBytes(arg[1:])
		if err != nil || size == 0 {
			return envErrf("bad block size in -U %q", arg)
		}
		return c.blockZeroHarness(int64(size))
	}
	return envErrf("bad argument for -U: %q", arg)
}

/* bitFlipHarness tests 1-bit errors in the LZMA streams of the file:
   for every byte position a master tester is advanced to 16 bytes
   before it, each of the eight flips is applied, and a fork of the
   master replays the rest of the member. Flips that pass the whole
   test are re-decoded and compared against the pristine MD5. */
func (c *Rescue) bitFlipHarness() error {
	name := c.cli.Files[0]
	f, _, x, err := openIndex(name, c.indexOptions(false, false))
	if err != nil {
		return err
	}
	defer f.Close()

	var stats harnessStats
	delta := int64(c.cli.Delta)
	if delta < 1 {
		delta = 1
	}
	for i := 0; i < x.Members(); i++ {
		mb := x.MBlock(i)
		dictSize := x.DictSize(i)
		mbuffer, err := readMember(f, mb)
		if err != nil {
			return err
		}
		digest, err := verifyMember(mbuffer, dictSize)
		if err != nil {
			return err
		}
		buffer2 := make([]byte, dictSize)
		master := lzma.NewTester(mbuffer, dictSize)
		end := mb.Size - lzip.TrailerSize
		for pos := int64(lzip.HeaderSize + 1); pos < end; pos += delta {
			posLimit := pos - 16
			if posLimit > 0 && master.TestMember(posLimit, lzma.NoLimit) != lzma.ResLimit {
				return envErrf("can't advance master")
			}
			stats.positions++
			for mask := byte(1); mask != 0; mask <<= 1 {
				stats.decompressions++
				mbuffer[pos] ^= mask
				if ok, _ := testMemberRest(master, buffer2); ok {
					stats.successes++
					log.Info().Int64("pos", mb.Pos+pos).Uint8("mask", mask).
						Msg("flipped byte passed the test")
					if !compareMember(mbuffer, dictSize, digest) {
						stats.failedComparisons++
						log.Warn().Int64("pos", mb.Pos+pos).
							Msg("comparison failed")
					}
				}
				mbuffer[pos] ^= mask
			}
		}
	}
	stats.log("bytes_tested")
	return nil
}

/* blockZeroHarness zeroes every delta-stride block of the given size
   within each member, header and trailer included, and tests the
   member in process; a mutated member that passes is compared against
   the MD5 of the pristine data. No external decompressor is run in
   this mode. */
func (c *Rescue) blockZeroHarness(size int64) error {
	name := c.cli.Files[0]
	f, st, x, err := openIndex(name, c.indexOptions(false, false))
	if err != nil {
		return err
	}
	defer f.Close()

	delta := int64(c.cli.Delta)
	if delta < 1 {
		delta = size
	}
	var stats harnessStats
	for i := 0; i < x.Members(); i++ {
		mb := x.MBlock(i)
		dictSize := x.DictSize(i)
		mbuffer, err := readMember(f, mb)
		if err != nil {
			return err
		}
		digest, err := verifyMember(mbuffer, dictSize)
		if err != nil {
			return err
		}
		saved := make([]byte, size)
		for pos := int64(0); pos+size <= mb.Size; pos += delta {
			stats.positions++
			stats.decompressions++
			copy(saved, mbuffer[pos:pos+size])
			for j := range saved {
				mbuffer[pos+int64(j)] = 0
			}
			mt := lzma.NewTester(mbuffer, dictSize)
			if mt.Test() == lzma.ResOK && mt.Finished() {
				stats.successes++
				log.Info().Int64("pos", mb.Pos+pos).
					Msg("zeroed block passed the test")
				if !compareMember(mbuffer, dictSize, digest) {
					stats.failedComparisons++
					log.Warn().Int64("pos", mb.Pos+pos).Msg("comparison failed")
				}
			}
			copy(mbuffer[pos:pos+size], saved)
		}
	}
	_ = st
	stats.log("blocks_tested")
	return nil
}

/* truncateHarness truncates the file at every delta-stride length and
   checks that the decoder either rejects the result or produces
   exactly the data of the whole members that survived. With --zcmp an
   external command decompresses each truncation for comparison. */
func (c *Rescue) truncateHarness() error {
	name := c.cli.Files[0]
	f, st, x, err := openIndex(name, c.indexOptions(false, false))
	if err != nil {
		return err
	}
	defer f.Close()

	full, err := decodeWholeFile(f, x)
	if err != nil {
		return err
	}
	delta := int64(c.cli.Delta)
	if delta < 1 {
		delta = 1
	}
	data := make([]byte, st.Size())
	if _, err := f.ReadAt(data, 0); err != nil {
		return envErr(err, "read error")
	}
	var stats harnessStats
	for length := int64(0); length < st.Size(); length += delta {
		stats.positions++
		stats.decompressions++
		// expected output: data of the whole members ending at or
		// before the truncation point
		var want []byte
		for i := 0; i < x.Members(); i++ {
			if x.MBlock(i).End() > length {
				break
			}
			want = full[:x.DBlock(i).End()]
		}
		got, derr := decodeImage(data[:length])
		if derr == nil {
			stats.successes++
			if !bytes.Equal(got, want) {
				stats.failedComparisons++
				log.Warn().Int64("length", length).Msg("comparison failed")
			}
		} else if got != nil && !bytes.HasPrefix(full, got) {
			stats.failedComparisons++
			log.Warn().Int64("length", length).Msg("partial output differs")
		}
		if c.cli.Zcmp != "" {
			if err := runZcmp(c.cli.Zcmp, data[:length], want); err != nil {
				stats.failedComparisons++
				log.Warn().Err(err).Int64("length", length).Msg("zcmp failed")
			}
		}
	}
	stats.log("lengths_tested")
	return nil
}

// decodeWholeFile decodes all members of an intact file into memory.
func decodeWholeFile(f *os.File, x *index.Index) ([]byte, error) {
	var out bytes.Buffer
	for i := 0; i < x.Members(); i++ {
		buf := make([]byte, x.MBlock(i).Size)
		if _, err := f.ReadAt(buf, x.MBlock(i).Pos); err != nil {
			return nil, envErr(err, "read error")
		}
		mt := lzma.NewTester(buf, x.DictSize(i))
		mt.SetWriter(&out)
		if mt.Test() != lzma.ResOK || !mt.Finished() {
			return nil, dataErrf("input file is already damaged")
		}
	}
	return out.Bytes(), nil
}

// decodeImage decodes a possibly truncated file image, returning the
// decoded bytes, which include any output of a member that failed part
// way, and an error if any member failed.
func decodeImage(data []byte) ([]byte, error) {
	var out bytes.Buffer
	pos := 0
	for pos+lzip.MinMemberSize <= len(data) {
		var h lzip.Header
		copy(h[:], data[pos:])
		if !h.Check(false) {
			return out.Bytes(), errors.New("bad header")
		}
		// the member ends where the tester stops after verifying its
		// trailer
		mt := lzma.NewTester(data[pos:], h.DictSize())
		mt.SetWriter(&out)
		if res := mt.Test(); res != lzma.ResOK {
			return out.Bytes(), errors.New("decode error")
		}
		pos += int(mt.MemberPosition())
	}
	if pos < len(data) {
		return out.Bytes(), errors.New("trailing bytes")
	}
	return out.Bytes(), nil
}

// runZcmp pipes the truncated image to an external decompress command
// and compares its output with want.
func runZcmp(command string, image, want []byte) error {
	parts := strings.Fields(command)
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(image)
	out, err := cmd.Output()
	if err == nil && !bytes.Equal(out, want) {
		return errors.New("output differs")
	}
	return nil
}
