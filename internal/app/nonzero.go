package app

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

/* nonzeroRepair zeroes, in place, the byte immediately after each
   member header. That byte is the LZMA start-of-stream byte and must
   be zero in a valid member; marking tools sometimes abuse it.
   Running the operation twice leaves the file unchanged the second
   time. */
func (c *Rescue) nonzeroRepair() error {
	for _, name := range c.cli.Files {
		f, _, x, err := openIndex(name, c.indexOptions(true, c.cli.IgnoreErrors))
		if err != nil {
			return err
		}
		w, err := os.OpenFile(name, os.O_WRONLY, 0)
		if err != nil {
			f.Close()
			return envErr(err, "can't open file for update")
		}
		fixed := 0
		for i := 0; i < x.Members(); i++ {
			pos := x.MBlock(i).Pos + lzip.HeaderSize
			var b [1]byte
			if _, err := f.ReadAt(b[:], pos); err != nil {
				w.Close()
				f.Close()
				return envErr(err, "read error")
			}
			if b[0] != 0 {
				b[0] = 0
				if _, err := w.WriteAt(b[:], pos); err != nil {
					w.Close()
					f.Close()
					return envErr(err, "write error")
				}
				fixed++
			}
		}
		w.Close()
		f.Close()
		log.Info().Str("file", name).Int("members_fixed", fixed).
			Msg("nonzero first bytes repaired")
	}
	return nil
}
