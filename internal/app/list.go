package app

import (
	"fmt"
	"os"

	"github.com/lzrescue/lzrescue/pkg/lzip"
)

// list prints the member layout of each input file. The uncompressed
// size of a fabricated head-gap member is approximate and must not be
// presented as authoritative, so such members are marked with a '~'.
func (c *Rescue) list() error {
	var firstErr error
	for fi, name := range c.cli.Files {
		f, _, x, err := openIndex(name, c.indexOptions(c.cli.IgnoreErrors, c.cli.IgnoreErrors))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
			continue
		}
		f.Close()

		if fi > 0 {
			fmt.Println()
		}
		fmt.Printf("%s:\n", name)
		fmt.Printf("   dict   memb  data_pos    data_size   member_pos  member_size\n")
		var gap int64
		for i := 0; i < x.Members(); i++ {
			mb, db := x.MBlock(i), x.DBlock(i)
			if mb.Pos > gap {
				fmt.Printf("      -    gap %38d %12d\n", gap, mb.Pos-gap)
			}
			approx := " "
			if db.Size == 0 && mb.Size > 0 && !lzip.ValidDictSize(uint(x.DictSize(i))) {
				approx = "~"
			}
			fmt.Printf("%7s %6d %9d %s%11d %12d %12d\n",
				formatDictSize(x.DictSize(i)), i+1, db.Pos, approx, db.Size,
				mb.Pos, mb.Size)
			gap = mb.End()
		}
		if tsize := x.FileSize() - x.CDataSize(); tsize > 0 {
			fmt.Printf("trailing data: %d bytes\n", tsize)
		}
	}
	return firstErr
}
