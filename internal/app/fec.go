package app

import (
	"crypto/md5"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/internal/config"
	"github.com/lzrescue/lzrescue/pkg/fec"
)

func hasFecExtension(name string) bool {
	return strings.HasSuffix(name, fec.Extension)
}

func hasLzExtension(name string) bool {
	return strings.HasSuffix(name, ".lz") || strings.HasSuffix(name, ".tlz")
}

// fec dispatches the four fec subcommands.
func (c *Rescue) fec() error {
	switch c.cli.Fec {
	case "c":
		return c.fecCreate()
	case "t":
		return c.fecTest(false)
	case "r":
		return c.fecTest(true)
	case "l":
		return c.fecList()
	}
	return envErrf("invalid fec operation %q", c.cli.Fec)
}

func (c *Rescue) fecCreateOptions() fec.CreateOptions {
	opts := fec.CreateOptions{
		Amount:    c.cli.FecAmount.Value,
		BlockSize: uint64(c.cli.BlockSize),
		Level:     c.cli.FecLevel,
		Workers:   c.cli.Workers,
		GF16:      c.cli.GF16,
		Random:    c.cli.FecRandom,
	}
	switch c.cli.FecAmount.Type {
	case config.AmountPercent:
		opts.Type = fec.FCPercent
	case config.AmountBlocks:
		opts.Type = fec.FCBlocks
	case config.AmountBytes:
		opts.Type = fec.FCBytes
	}
	return opts
}

// fecCreate writes a .fec file next to each input file.
func (c *Rescue) fecCreate() error {
	toStdout := c.cli.Stdout
	toFile := !toStdout && c.cli.Output != ""
	if (toStdout || toFile) && len(c.cli.Files) != 1 {
		return envErrf("you must specify exactly 1 file when redirecting fec data")
	}
	for _, name := range c.cli.Files {
		if hasFecExtension(name) {
			log.Warn().Str("file", name).Msg("input file already has .fec suffix, ignored")
			continue
		}
		f, st, err := openInstream(name)
		if err != nil {
			return err
		}
		if st.Size() <= 0 {
			f.Close()
			return dataErrf("%s: input file is empty", name)
		}
		prodata, unmap, err := mmapFile(f, st.Size(), false)
		if err != nil {
			f.Close()
			return err
		}
		switch {
		case toStdout:
			c.out.useStdout()
		case toFile:
			if err := c.out.open(c.cli.Output, c.cli.Force); err != nil {
				unmap()
				f.Close()
				return envErr(err, "fec create")
			}
		default:
			if err := c.out.open(name+fec.Extension, c.cli.Force); err != nil {
				unmap()
				f.Close()
				return envErr(err, "fec create")
			}
		}
		n, err := fec.WriteFec(c.ctx, &c.out, prodata, c.fecCreateOptions())
		unmap()
		f.Close()
		if err != nil {
			return c.failCleanup(err)
		}
		if err := c.out.close(st); err != nil {
			return c.failCleanup(envErr(err, "fec create"))
		}
		log.Info().Str("file", name).Uint64("fec_bytes", n).Msg("fec data written")
	}
	return nil
}

// fecFileName resolves the fec file paired with a payload.
func (c *Rescue) fecFileName(name string) string {
	cl := c.cli.FecFile
	if cl == "" {
		return name + fec.Extension
	}
	if strings.HasSuffix(cl, "/") { // directory
		base := name
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		return cl + base + fec.Extension
	}
	return cl
}

// fecTest verifies each payload against its fec file and, with repair
// set, rebuilds the damaged blocks and writes the repaired copy.
func (c *Rescue) fecTest(repair bool) error {
	var firstErr error
	for _, name := range c.cli.Files {
		if hasFecExtension(name) {
			log.Warn().Str("file", name).Msg("input file has .fec suffix, ignored")
			continue
		}
		err := c.fecTestFile(name, repair)
		if err != nil {
			if !c.cli.IgnoreErrors && repair {
				return c.failCleanup(err)
			}
			log.Warn().Err(err).Str("file", name).Msg("fec check failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Rescue) fecTestFile(name string, repair bool) error {
	fecName := c.fecFileName(name)
	fecdata, err := os.ReadFile(fecName)
	if err != nil {
		return envErr(err, "can't read fec file")
	}
	x, err := fec.NewIndex(fecdata, c.cli.IgnoreErrors, hasLzExtension(name))
	if err != nil {
		return err
	}

	f, st, err := openInstream(name)
	if err != nil {
		return err
	}
	defer f.Close()
	prodataSize := int64(x.ProdataSize())
	sameSize := prodataSize == st.Size()
	var prodata []byte
	var unmap func()
	if prodataSize <= st.Size() {
		prodata, unmap, err = mmapFile(f, prodataSize, true)
		if err != nil {
			return err
		}
		defer unmap()
	} else { // short file, zero-pad to the protected size
		prodata = make([]byte, prodataSize)
		if _, err := f.ReadAt(prodata[:st.Size()], 0); err != nil {
			return envErr(err, "read error")
		}
	}

	logFecData(name, fecName, x)
	bad := x.BadBlocks(prodata)
	computedMD5 := md5.Sum(prodata)
	mismatch := !sameSize || len(bad) > 0 || computedMD5 != x.ProdataMD5()
	if !mismatch {
		if repair {
			log.Info().Str("file", name).
				Msg("protected data checked successfully, repair not needed")
		} else {
			log.Info().Str("file", name).Msg("protected data checked successfully")
		}
		return nil
	}
	if !sameSize {
		log.Warn().Str("file", name).
			Msg("size mismatch between protected data and fec data")
	}
	if len(bad) > 0 {
		log.Warn().Int("bad_blocks", len(bad)).Msg("block mismatches found")
	}
	if !repair {
		return dataErrf("%s: protected data does not match fec data", name)
	}
	if !x.HasArray() && !hasLzExtension(name) {
		return dataErrf("can't repair: no valid CRC arrays found and protected file not in lzip format")
	}
	if !x.HasArray() {
		log.Warn().Msg("repairing without CRC arrays")
	}
	log.Info().Str("file", name).Msg("repairing file")
	if err := x.Repair(prodata, bad); err != nil {
		return err
	}

	outName := c.cli.Output
	if c.cli.Stdout {
		c.out.useStdout()
	} else {
		if outName == "" {
			outName = insertFixed(name)
		}
		if err := c.out.open(outName, c.cli.Force); err != nil {
			return envErr(err, "fec repair")
		}
	}
	if _, err := c.out.Write(prodata); err != nil {
		return c.failCleanup(envErr(err, "error writing repaired data"))
	}
	if err := c.out.close(st); err != nil {
		return c.failCleanup(envErr(err, "fec repair"))
	}
	log.Info().Str("file", name).Str("output", outName).
		Msg("repaired copy written")
	return nil
}

// fecList prints the layout of each fec file.
func (c *Rescue) fecList() error {
	var firstErr error
	for _, name := range c.cli.Files {
		fecdata, err := os.ReadFile(name)
		if err != nil {
			if firstErr == nil {
				firstErr = envErr(err, "can't read fec file")
			}
			continue
		}
		x, err := fec.NewIndex(fecdata, c.cli.IgnoreErrors, false)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("bad fec file")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logFecData("", name, x)
	}
	return firstErr
}

// logFecData prints the fec layout the way the listing shows it.
func logFecData(inputName, fecName string, x *fec.Index) {
	if inputName != "" {
		fmt.Printf("Protected file: '%s'\n", inputName)
	}
	fmt.Printf("Protected size: %11d   Block size: %5d   Data blocks: %d\n",
		x.ProdataSize(), x.FBS(), x.ProdataBlocks())
	fmt.Printf("      Fec file: '%s'\n", fecName)
	fmt.Printf("      Fec size: %11d  %6.2f%%    Fec blocks: %d\n",
		x.NetSize(), 100*float64(x.NetSize())/float64(x.ProdataSize()),
		x.FecBlocks())
	fmt.Printf("     Fec bytes: %11d  %6.2f%%   Fec numbers:",
		x.FecBytes(), 100*float64(x.FecBytes())/float64(x.ProdataSize()))
	for i := 0; i < x.FecBlocks(); i++ { // print ranges of fbn's
		fmt.Printf(" %d", x.FBN(i))
		j := i
		for i+1 < x.FecBlocks() && x.FBN(i+1) == x.FBN(i)+1 {
			i++
		}
		if i > j {
			sep := "-"
			if i == j+1 {
				sep = " "
			}
			fmt.Printf("%s%d", sep, x.FBN(i))
		}
	}
	field := "8"
	if x.GF16() {
		field = "16"
	}
	features := ""
	if x.CRCArray() != nil {
		features += " CRC32"
	}
	if x.CRCCArray() != nil {
		features += " CRC32-C"
	}
	fmt.Printf("\n      Features: GF(2^%s)%s\n", field, features)
}
