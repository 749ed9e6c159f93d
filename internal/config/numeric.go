package config

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Bytes is a byte count with optional SI (k, M, G, ...) or binary
// (Ki, Mi, Gi, ...) multiplier and optional B suffix, as in "64KiB".
type Bytes uint64

// UnmarshalText implements encoding.TextUnmarshaler for kong.
func (b *Bytes) UnmarshalText(text []byte) error {
	v, err := ParseBytes(string(text))
	if err != nil {
		return err
	}
	*b = Bytes(v)
	return nil
}

var siExponents = map[byte]int{
	'k': 1, 'K': 1, 'M': 2, 'G': 3, 'T': 4, 'P': 5, 'E': 6, 'Z': 7, 'Y': 8,
}

// ParseBytes parses a numeric argument with multiplier suffixes.
func ParseBytes(s string) (uint64, error) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, errors.Errorf("bad or missing numerical argument %q", s)
	}
	result, err := strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad numerical argument %q", s)
	}
	rest := s[i:]
	if rest == "" {
		return result, nil
	}
	factor := uint64(1000)
	exponent, ok := siExponents[rest[0]]
	if !ok {
		if rest == "B" {
			return result, nil
		}
		return 0, errors.Errorf("bad multiplier in numerical argument %q", s)
	}
	rest = rest[1:]
	if strings.HasPrefix(rest, "i") {
		if s[i] == 'k' {
			return 0, errors.Errorf("bad multiplier in numerical argument %q", s)
		}
		factor = 1024
		rest = rest[1:]
	}
	if rest != "" && rest != "B" {
		return 0, errors.Errorf("bad multiplier in numerical argument %q", s)
	}
	for j := 0; j < exponent; j++ {
		if result > ^uint64(0)/factor {
			return 0, errors.Errorf("numerical argument out of limits %q", s)
		}
		result *= factor
	}
	return result, nil
}

// AmountType mirrors the three ways of sizing fec data.
type AmountType int

const (
	AmountPercent AmountType = iota
	AmountBlocks
	AmountBytes
)

// Amount is a fec data amount: "N" fec blocks, "NB" (with any byte
// multiplier) fec bytes, or "N%" / "N.M%" a percentage of the payload.
type Amount struct {
	Type  AmountType
	Value uint64 // for AmountPercent, thousandths of a percent
}

// UnmarshalText implements encoding.TextUnmarshaler for kong.
func (a *Amount) UnmarshalText(text []byte) error {
	s := string(text)
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil || pct < 0 {
			return errors.Errorf("bad percentage %q", s)
		}
		a.Type = AmountPercent
		a.Value = uint64(pct * 1000)
		return nil
	}
	v, err := ParseBytes(s)
	if err != nil {
		return err
	}
	if strings.ContainsAny(s, "kKMGTPEZYBi") {
		a.Type = AmountBytes
	} else {
		a.Type = AmountBlocks
	}
	a.Value = v
	return nil
}
