package fec

import (
	"context"
	"crypto/md5"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// FCType selects how the amount of fec data is specified.
type FCType int

const (
	// FCPercent interprets the amount as thousandths of a percent of
	// the payload size (100000 = 100%).
	FCPercent FCType = iota
	// FCBlocks interprets the amount as a number of fec blocks.
	FCBlocks
	// FCBytes interprets the amount as a number of fec bytes.
	FCBytes
)

// CreateOptions parameterizes fec creation.
type CreateOptions struct {
	Amount    uint64 // per FCType
	Type      FCType
	BlockSize uint64 // unit block size, 0 = choose automatically
	Level     int    // fec level 0..9
	Workers   int    // parallel encoders, <= 1 means serial
	GF16      bool   // force GF(2^16)
	Random    bool   // choose random fec block numbers
}

// computeUnitFBS picks the smallest power-of-two unit block size in
// [MinFBS, 65536] such that 4 * u^2 >= prodataSize.
func computeUnitFBS(prodataSize uint64) uint64 {
	bs := uint64(MinFBS)
	for bs < 65536 && 4*bs*bs < prodataSize {
		bs <<= 1
	}
	return bs
}

// divideFBS returns ceil(size/blocks) clamped to the valid block size
// range, in units of unitFBS.
func divideFBS(size uint64, blocks, unitFBS uint64) uint64 {
	fbs := ceilDivide(size, blocks)
	if fbs < MinFBS {
		fbs = MinFBS
	} else if fbs > MaxFBS {
		fbs = MaxFBS
	}
	return ceilDivide(fbs, unitFBS)
}

// ComputeFBS derives the coded fec block size for a payload from the
// fec level and an optional unit block size. The result joins a
// linear and an exponential component so higher levels give smaller
// blocks and therefore finer protection.
func ComputeFBS(prodataSize, clBlockSize uint64, level int) (CodedFBS, error) {
	unitFBS := clBlockSize
	if !ValidFBS(unitFBS) {
		unitFBS = computeUnitFBS(prodataSize)
	}
	maxK := uint64(MaxK8)
	if level != 0 {
		maxK = MaxK16
	}
	k9 := ceilDivide(prodataSize, unitFBS)
	if k9 > maxK {
		k9 = maxK
	}
	fbsu9 := divideFBS(prodataSize, k9, unitFBS)
	fbsu0 := divideFBS(prodataSize, MaxK8, unitFBS)
	a := uint64(10-level) * fbsu9 // linear
	if fbsu0 < a {
		a = fbsu0
	}
	b := fbsu0 >> uint(level) // exponential
	fbsu := a
	if b > fbsu {
		fbsu = b
	}
	return NewCodedFBS(fbsu*unitFBS, unitFBS)
}

// ComputeFecBlocks derives the number of fec blocks from the user
// amount, capped at the number of data blocks and the field limits.
// A zero return means the payload is too large for fec protection.
func ComputeFecBlocks(prodataSize uint64, opts CreateOptions, cfbs CodedFBS) int {
	fbs := cfbs.Value()
	prodataBlocks := ceilDivide(prodataSize, fbs)
	maxK := uint64(MaxK8)
	maxNK := uint64(MaxK8)
	if opts.Level != 0 {
		maxK = MaxK16
		maxNK = MaxNK16
	}
	if !ValidFBS(fbs) || prodataBlocks > maxK {
		return 0
	}
	var fecBlocks uint64
	switch opts.Type {
	case FCBlocks:
		fecBlocks = opts.Amount
		if fecBlocks > maxNK {
			fecBlocks = maxNK
		}
	case FCPercent, FCBytes:
		var fecBytes uint64
		if opts.Type == FCPercent {
			pct := opts.Amount
			if pct < 1 {
				pct = 1
			} else if pct > 100000 {
				pct = 100000
			}
			fecBytes = uint64(math.Ceil(float64(prodataSize) * float64(pct) / 100000))
		} else {
			fecBytes = opts.Amount
			if fecBytes > prodataSize {
				fecBytes = prodataSize
			}
		}
		fecBlocks = ceilDivide(fecBytes, fbs)
		if fecBlocks > maxNK {
			fecBlocks = maxNK
		}
	default:
		return 0 // unknown type, must not happen
	}
	if fecBlocks > prodataBlocks {
		fecBlocks = prodataBlocks
	}
	return int(fecBlocks)
}

// lcg is the linear congruential generator used for random fec block
// numbers.
type lcg uint64

func newLCG() lcg {
	now := time.Now()
	state := uint64(now.Nanosecond())
	for state != 0 && state&1 == 0 {
		state >>= 1
	}
	if state != 0 {
		state *= uint64(now.Unix())
	} else {
		state = uint64(now.Unix())
	}
	return lcg(state)
}

func (l *lcg) next() int {
	*l = *l*1103515245 + 12345
	return int(uint64(*l) / 65536 % 32768) // random number from 0 to 32767
}

// randomFBNs returns n unique random block numbers below maxK.
func randomFBNs(n int, gf16 bool) []int {
	maxK := MaxK8
	if gf16 {
		maxK = MaxK16
	}
	rng := newLCG()
	fbns := make([]int, 0, n)
again:
	for len(fbns) < n {
		fbn := rng.next() % maxK
		for _, f := range fbns {
			if f == fbn {
				continue again
			}
		}
		fbns = append(fbns, fbn)
	}
	return fbns
}

// WriteFec writes the whole fec stream protecting prodata: a chksum
// packet with the CRC32 array, the fec packets in strict fbn order,
// and a second chksum packet with the CRC32-C array when it fits the
// redundancy budget. It returns the number of bytes written.
func WriteFec(ctx context.Context, w io.Writer, prodata []byte, opts CreateOptions) (uint64, error) {
	cfbs, err := ComputeFBS(uint64(len(prodata)), opts.BlockSize, opts.Level)
	if err != nil {
		return 0, err
	}
	fecBlocks := ComputeFecBlocks(uint64(len(prodata)), opts, cfbs)
	if fecBlocks == 0 {
		return 0, fecError("Input file is too large for fec protection.")
	}
	fbs := cfbs.Value()
	prodataBlocks := int(ceilDivide(uint64(len(prodata)), fbs))
	gf16 := opts.GF16 || prodataBlocks > MaxK8 || fecBlocks > MaxK8
	prodataMD5 := md5.Sum(prodata)

	chksum, err := NewChksumPacket(prodata, prodataMD5, cfbs, gf16, false)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(chksum); err != nil {
		return 0, errors.Wrap(err, "error writing chksum packet")
	}
	fecdataSize := uint64(len(chksum))

	lastbuf := SetLastBuf(prodata, int(fbs), false)
	switch {
	case opts.Random:
		for _, fbn := range randomFBNs(fecBlocks, gf16) {
			packet := NewFecPacket(prodata, lastbuf, fbn, prodataBlocks, cfbs, gf16)
			if _, err := w.Write(packet); err != nil {
				return 0, errors.Wrap(err, "error writing fec packet")
			}
			fecdataSize += uint64(len(packet))
		}
	case opts.Workers > 1:
		n, err := writeFecParallel(ctx, w, prodata, lastbuf, fecBlocks,
			prodataBlocks, opts.Workers, cfbs, gf16)
		if err != nil {
			return 0, err
		}
		fecdataSize += n
	default:
		for fbn := 0; fbn < fecBlocks; fbn++ {
			packet := NewFecPacket(prodata, lastbuf, fbn, prodataBlocks, cfbs, gf16)
			if _, err := w.Write(packet); err != nil {
				return 0, errors.Wrap(err, "error writing fec packet")
			}
			fecdataSize += uint64(len(packet))
		}
	}

	if (fecdataSize+uint64(len(chksum)))/2 <= uint64(fecBlocks)*fbs &&
		fecBlocks > 1 { // write the second chksum packet
		chksum2, err := NewChksumPacket(prodata, prodataMD5, cfbs, gf16, true)
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(chksum2); err != nil {
			return 0, errors.Wrap(err, "error writing chksum packet")
		}
		fecdataSize += uint64(len(chksum2))
	}
	if fecdataSize%4 != 0 {
		return 0, &Error{Retval: 3, Msg: "internal error: fecdata size % 4 != 0"}
	}
	return fecdataSize, nil
}

/* writeFecParallel runs the encoders concurrently while keeping the
   packets in strict fbn order: worker i computes blocks i, i+W,
   i+2W, ... and a write token rotates through per-worker channels, so
   each worker blocks until the previous block number has been
   delivered. */
func writeFecParallel(ctx context.Context, w io.Writer, prodata, lastbuf []byte,
	fecBlocks, k, workers int, cfbs CodedFBS, gf16 bool) (uint64, error) {
	if workers > fecBlocks {
		workers = fecBlocks
	}
	tokens := make([]chan struct{}, workers)
	for i := range tokens {
		tokens[i] = make(chan struct{}, 1)
	}
	tokens[0] <- struct{}{}

	var outSize uint64
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < workers; id++ {
		g.Go(func() error {
			for fbn := id; fbn < fecBlocks; fbn += workers {
				packet := NewFecPacket(prodata, lastbuf, fbn, k, cfbs, gf16)
				select {
				case <-tokens[id]: // wait for our turn to write
				case <-ctx.Done():
					return ctx.Err()
				}
				_, err := w.Write(packet)
				outSize += uint64(len(packet)) // serialized by the token
				tokens[(id+1)%workers] <- struct{}{}
				if err != nil {
					return errors.Wrap(err, "error writing fec packet")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return outSize, nil
}
