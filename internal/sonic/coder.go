package sonic

import (
	"fmt"
	"math"
	"strconv"
)

// Band is the carrier frequency range in Hz.
type Band struct {
	Min, Max float64
	// Error is the tolerance outside [Min, Max] that still clamps to an edge.
	Error float64
}

// Coder maps alphabet symbols to carrier frequencies and back.
// The alphabet is Start, the configured symbols, then End.
type Coder struct {
	alphabet []rune
	index    map[rune]int
	band     Band
}

// NewCoder builds the frequency map for cfg's alphabet and band.
func NewCoder(cfg Config) (*Coder, error) {
	if cfg.FreqMin >= cfg.FreqMax || cfg.FreqError < 0 {
		return nil, fmt.Errorf("%w: freq band [%g, %g] error %g", ErrInvalidConfig, cfg.FreqMin, cfg.FreqMax, cfg.FreqError)
	}
	alpha, err := buildAlphabet(cfg.Alphabet, cfg.StartChar, cfg.EndChar)
	if err != nil {
		return nil, err
	}
	idx := make(map[rune]int, len(alpha))
	for i, r := range alpha {
		idx[r] = i
	}
	return &Coder{
		alphabet: alpha,
		index:    idx,
		band:     Band{Min: cfg.FreqMin, Max: cfg.FreqMax, Error: cfg.FreqError},
	}, nil
}

func buildAlphabet(symbols string, start, end rune) ([]rune, error) {
	if symbols == "" {
		return nil, fmt.Errorf("%w: empty symbol set", ErrInvalidAlphabet)
	}
	if start == end {
		return nil, fmt.Errorf("%w: start and end sentinel are both %q", ErrInvalidAlphabet, start)
	}
	alpha := make([]rune, 0, len(symbols)+2)
	alpha = append(alpha, start)
	seen := map[rune]bool{start: true, end: true}
	for _, r := range symbols {
		if seen[r] {
			return nil, fmt.Errorf("%w: duplicate or reserved symbol %q", ErrInvalidAlphabet, r)
		}
		seen[r] = true
		alpha = append(alpha, r)
	}
	return append(alpha, end), nil
}

// Alphabet returns a copy of the full alphabet including sentinels.
func (c *Coder) Alphabet() []rune { return append([]rune(nil), c.alphabet...) }

// Len is the alphabet length including sentinels.
func (c *Coder) Len() int { return len(c.alphabet) }

func (c *Coder) Start() rune { return c.alphabet[0] }
func (c *Coder) End() rune   { return c.alphabet[len(c.alphabet)-1] }
func (c *Coder) Band() Band  { return c.band }

// CharToFreq returns the carrier frequency for r.
func (c *Coder) CharToFreq(r rune) (float64, error) {
	i, ok := c.index[r]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, strconv.QuoteRune(r))
	}
	span := c.band.Max - c.band.Min
	return c.band.Min + math.Round(span*float64(i)/float64(len(c.alphabet))), nil
}

// FreqToChar returns the symbol carried by freq. Readings just outside the
// band (closer than Band.Error) snap to the nearest edge.
func (c *Coder) FreqToChar(freq float64) (rune, error) {
	b := c.band
	switch {
	case freq < b.Min:
		if b.Min-freq >= b.Error {
			return 0, fmt.Errorf("%w: %.1f Hz", ErrOutOfRange, freq)
		}
		freq = b.Min
	case freq > b.Max:
		if freq-b.Max >= b.Error {
			return 0, fmt.Errorf("%w: %.1f Hz", ErrOutOfRange, freq)
		}
		freq = b.Max
	}
	n := len(c.alphabet)
	i := int(math.Round(float64(n) * (freq - b.Min) / (b.Max - b.Min)))
	// Max itself maps one past the end.
	if i >= n {
		i = n - 1
	}
	return c.alphabet[i], nil
}
