package index

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/lzrescue/lzrescue/pkg/lzip"
)

// Selector names the members, gaps and trailing data that a surgery
// operation (dump, strip, remove) acts on. Ranges use 1-based member
// numbers; reverse ranges count from the end of the file.
type Selector struct {
	Damaged bool
	Empty   bool
	Tdata   bool
	In, Rin bool // polarity of the forward and reverse range sets
	Ranges  []lzip.Block
	RRanges []lzip.Block
}

// NewSelector returns an empty selector that includes nothing.
func NewSelector() Selector { return Selector{In: true, Rin: true} }

// HasRanges reports whether any index range was given.
func (s *Selector) HasRanges() bool {
	return len(s.Ranges) > 0 || len(s.RRanges) > 0
}

// Includes reports whether block i of blocks (members + gaps, not
// counting trailing data) is selected.
func (s *Selector) Includes(i, blocks int) bool {
	for _, r := range s.Ranges {
		if r.Pos > int64(i) {
			break
		}
		if r.End() > int64(i) {
			return s.In
		}
	}
	if i >= 0 && i < blocks {
		ri := int64(blocks - i - 1)
		for _, r := range s.RRanges {
			if r.Pos > ri {
				break
			}
			if r.End() > ri {
				return s.Rin
			}
		}
	}
	return !s.In || !s.Rin
}

// ParseSelector parses a colon-separated list of "damaged", "empty",
// "tdata" and [r][^]<range-list> items, e.g. "damaged:r^1,3-5".
func ParseSelector(arg string) (Selector, error) {
	s := NewSelector()
	for _, item := range strings.Split(arg, ":") {
		if item != "" && item[0] >= 'a' && item[0] <= 'z' && item[0] != 'r' {
			if strings.HasPrefix("damaged", item) {
				s.Damaged = true
				continue
			}
			if strings.HasPrefix("empty", item) {
				s.Empty = true
				continue
			}
			if strings.HasPrefix("tdata", item) {
				s.Tdata = true
				continue
			}
			return s, errors.Errorf("invalid list of members %q", arg)
		}
		p := item
		reverse := strings.HasPrefix(p, "r")
		if reverse {
			p = p[1:]
		}
		if strings.HasPrefix(p, "^") {
			p = p[1:]
			if reverse {
				s.Rin = false
			} else {
				s.In = false
			}
		}
		rvp := &s.Ranges
		if reverse {
			rvp = &s.RRanges
		}
		if err := parseRangeList(p, rvp); err != nil {
			return s, errors.Wrapf(err, "invalid list of members %q", arg)
		}
	}
	return s, nil
}

func parseRangeList(p string, out *[]lzip.Block) error {
	for _, tok := range strings.Split(p, ",") {
		lo, hi, found := strings.Cut(tok, "-")
		pos, err := strconv.ParseInt(lo, 10, 32)
		if err != nil || pos < 1 {
			return errors.Errorf("bad member number %q", lo)
		}
		pos-- // to 0-based
		if len(*out) > 0 && pos < (*out)[len(*out)-1].End() {
			return errors.Errorf("unordered range at %q", tok)
		}
		size := int64(1)
		if found {
			end, err := strconv.ParseInt(hi, 10, 32)
			if err != nil || end <= pos {
				return errors.Errorf("bad member range %q", tok)
			}
			size = end - pos
		}
		*out = append(*out, lzip.Block{Pos: pos, Size: size})
	}
	return nil
}
