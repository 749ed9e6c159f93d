package app

import (
	"context"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/lzrescue/lzrescue/internal/config"
	"github.com/lzrescue/lzrescue/pkg/index"
)

// Rescue is the running tool: parsed options plus the single output
// file of the current operation.
type Rescue struct {
	ctx  context.Context
	meta config.Meta
	cli  config.Cli
	out  outFile
}

// New validates the option combination and creates the app instance.
func New(meta config.Meta, cli config.Cli) (*Rescue, error) {
	ops := 0
	for _, on := range []bool{
		cli.Decompress, cli.Test, cli.List, cli.ByteRepair, cli.Merge,
		cli.Reproduce, cli.Fec != "", cli.Dump != "", cli.Strip != "",
		cli.Remove != "", cli.Split, cli.RangeDecompress != "",
		cli.Unzcrash != "" || cli.SetByte != "" || cli.Truncate,
		cli.NonzeroRepair,
	} {
		if on {
			ops++
		}
	}
	if ops == 0 {
		return nil, envErrf("you must specify one operation")
	}
	if ops > 1 {
		return nil, envErrf("only one operation can be specified")
	}
	if len(cli.Files) == 0 {
		return nil, envErrf("no input files")
	}
	if cli.Workers <= 0 {
		cli.Workers = runtime.NumCPU()
	}
	return &Rescue{ctx: context.Background(), meta: meta, cli: cli}, nil
}

// indexOptions derives the scan tolerance from the options. Repair
// oriented operations pass ignoreBadDict to keep scanning members
// whose header was damaged.
func (c *Rescue) indexOptions(ignoreBadDict, ignoreGaps bool) index.Options {
	return index.Options{
		IgnoreTrailing: !c.cli.TrailingError,
		LooseTrailing:  c.cli.LooseTrailing,
		IgnoreBadDict:  ignoreBadDict,
		IgnoreGaps:     ignoreGaps,
		IgnoreEmpty:    !c.cli.EmptyError,
		IgnoreMarking:  !c.cli.MarkingError,
	}
}

// Start runs the selected operation.
func (c *Rescue) Start() error {
	cli := &c.cli
	switch {
	case cli.Decompress:
		return c.decompress(false)
	case cli.Test:
		return c.decompress(true)
	case cli.List:
		return c.list()
	case cli.ByteRepair:
		return c.byteRepair()
	case cli.Merge:
		return c.merge()
	case cli.Reproduce:
		return c.reproduce()
	case cli.Fec != "":
		return c.fec()
	case cli.Dump != "":
		return c.dumpStrip(cli.Dump, false)
	case cli.Strip != "":
		return c.dumpStrip(cli.Strip, true)
	case cli.Remove != "":
		return c.remove(cli.Remove)
	case cli.Split:
		return c.split()
	case cli.RangeDecompress != "":
		return c.rangeDecompress()
	case cli.SetByte != "":
		return c.debugByteRepair()
	case cli.Truncate:
		return c.truncateHarness()
	case cli.Unzcrash != "":
		return c.unzcrash()
	case cli.NonzeroRepair:
		return c.nonzeroRepair()
	}
	return envErrf("invalid operation")
}

// Close deletes any partially written output. Called from the signal
// handler; safe against concurrent fec writers.
func (c *Rescue) Close() {
	c.out.cleanup()
}

// failCleanup removes the partial output before propagating err.
func (c *Rescue) failCleanup(err error) error {
	c.out.cleanup()
	log.Debug().Err(err).Msg("operation failed, partial output removed")
	return err
}
