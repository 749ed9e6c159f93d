package app

import (
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

// decompress walks the members of each input file, replaying every
// LZMA stream. With testOnly the decoded bytes are discarded.
func (c *Rescue) decompress(testOnly bool) error {
	var firstErr error
	for _, name := range c.cli.Files {
		if err := c.decompressFile(name, testOnly); err != nil {
			if !c.cli.IgnoreErrors {
				return c.failCleanup(err)
			}
			log.Warn().Err(err).Str("file", name).Msg("continuing over error")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Rescue) decompressFile(name string, testOnly bool) error {
	f, st, x, err := openIndex(name, c.indexOptions(false, c.cli.IgnoreErrors))
	if err != nil {
		return err
	}
	defer f.Close()

	if !testOnly {
		switch {
		case c.cli.Stdout || c.cli.Output == "":
			c.out.useStdout()
		default:
			if err := c.out.open(c.cli.Output, c.cli.Force); err != nil {
				return envErr(err, "decompress")
			}
		}
	}

	logger := log.With().Str("file", name).Logger()
	for i := 0; i < x.Members(); i++ {
		mb := x.MBlock(i)
		buf, err := readMember(f, mb)
		if err != nil {
			return err
		}
		mt := lzma.NewTester(buf, x.DictSize(i))
		if !testOnly {
			mt.SetWriter(&c.out)
		}
		res := mt.Test()
		if err := mt.WriteError(); err != nil {
			return envErr(err, "decompress")
		}
		if res != lzma.ResOK || !mt.Finished() {
			return memberError(res, mb.Pos+mt.MemberPosition())
		}
		logger.Debug().Int("member", i+1).
			Int64("compressed", mb.Size).
			Int64("uncompressed", mt.DataPosition()).
			Msg("member decoded")
	}
	if !testOnly {
		if err := c.out.close(st); err != nil {
			return c.failCleanup(envErr(err, "decompress"))
		}
	}
	return nil
}

// memberError translates a tester result into a typed error carrying
// the failing byte position.
func memberError(res int, filePos int64) error {
	switch res {
	case lzma.ResDecodeError:
		return dataErrf("decoder error at pos %d", filePos)
	case lzma.ResEOF:
		return dataErrf("file ends unexpectedly at pos %d", filePos)
	case lzma.ResTrailer:
		return dataErrf("trailer mismatch at pos %d", filePos)
	case lzma.ResMarker:
		return dataErrf("unknown marker found at pos %d", filePos)
	}
	return dataErrf("decode failed at pos %d", filePos)
}

// formatDictSize renders a dictionary size the way the listing shows
// it, with a binary multiplier when exact.
func formatDictSize(size uint) string {
	prefixes := []string{"KiB", "MiB", "GiB"}
	s := ""
	num := size
	for i := 0; i < len(prefixes) && num >= 1024 && num%1024 == 0; i++ {
		num /= 1024
		s = prefixes[i]
	}
	if s == "" {
		s = "B"
	}
	return strconv.FormatUint(uint64(num), 10) + " " + s
}
