package app

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/internal/config"
	"github.com/lzrescue/lzrescue/pkg/lzip"
	"github.com/lzrescue/lzrescue/pkg/lzma"
)

// parseRange parses "begin", "begin-end" or "begin,size".
func parseRange(arg string) (lzip.Block, error) {
	var b lzip.Block
	if lo, rest, found := strings.Cut(arg, "-"); found {
		pos, err := config.ParseBytes(lo)
		if err != nil {
			return b, err
		}
		end, err := config.ParseBytes(rest)
		if err != nil {
			return b, err
		}
		if end <= pos {
			return b, errors.New("begin must be < end in range argument")
		}
		return lzip.Block{Pos: int64(pos), Size: int64(end - pos)}, nil
	}
	if lo, rest, found := strings.Cut(arg, ","); found {
		pos := uint64(0)
		var err error
		if lo != "" {
			if pos, err = config.ParseBytes(lo); err != nil {
				return b, err
			}
		}
		size, err := config.ParseBytes(rest)
		if err != nil {
			return b, err
		}
		return lzip.Block{Pos: int64(pos), Size: int64(size)}, nil
	}
	pos, err := config.ParseBytes(arg)
	if err != nil {
		return b, err
	}
	return lzip.Block{Pos: int64(pos), Size: int64(1) << 62}, nil
}

/* rangeDecompress emits only the bytes of the uncompressed stream
   that fall in the requested range. Members not intersecting the
   range are skipped entirely; intersecting members are decoded with
   an output window, and their trailers are still verified because
   partial output does not license corrupt input. */
func (c *Rescue) rangeDecompress() error {
	rng, err := parseRange(c.cli.RangeDecompress)
	if err != nil {
		return envErr(err, "range-decompress")
	}
	name := c.cli.Files[0]
	f, st, x, err := openIndex(name, c.indexOptions(c.cli.IgnoreErrors, c.cli.IgnoreErrors))
	if err != nil {
		return err
	}
	defer f.Close()

	if rng.End() > x.UDataSize() {
		rng.Size = x.UDataSize() - rng.Pos
		if rng.Size < 0 {
			rng.Size = 0
		}
	}
	if rng.Size <= 0 {
		log.Warn().Str("file", name).Msg("nothing to do")
		return nil
	}

	switch {
	case c.cli.Stdout || c.cli.Output == "":
		c.out.useStdout()
	default:
		if err := c.out.open(c.cli.Output, c.cli.Force); err != nil {
			return envErr(err, "range-decompress")
		}
	}
	log.Debug().Int64("begin", rng.Pos).Int64("end", rng.End()).
		Int64("of", x.UDataSize()).Msg("decompressing range")

	for i := 0; i < x.Members(); i++ {
		db := x.DBlock(i)
		if !rng.Overlaps(db) {
			continue
		}
		outSkip := rng.Pos - db.Pos
		if outSkip < 0 {
			outSkip = 0
		}
		outEnd := db.Size
		if e := rng.End() - db.Pos; e < outEnd {
			outEnd = e
		}
		buf, err := readMember(f, x.MBlock(i))
		if err != nil {
			return c.failCleanup(err)
		}
		mt := lzma.NewTester(buf, x.DictSize(i))
		mt.SetWriter(&c.out)
		mt.SetOutputWindow(outSkip, outEnd)
		res := mt.Test()
		if err := mt.WriteError(); err != nil {
			return c.failCleanup(envErr(err, "range-decompress"))
		}
		if res != lzma.ResOK || !mt.Finished() {
			err := memberError(res, x.MBlock(i).Pos+mt.MemberPosition())
			if !c.cli.IgnoreErrors {
				return c.failCleanup(err)
			}
			log.Warn().Err(err).Msg("continuing over error")
		}
	}
	if err := c.out.close(st); err != nil {
		return envErr(err, "range-decompress")
	}
	return nil
}
