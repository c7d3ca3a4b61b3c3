package sonic

import (
	"fmt"
	"time"
)

// Defaults used by DefaultConfig.
const (
	DefaultAlphabet          = "\n abcdefghijklmnopqrstuvwxyz0123456789,.!?@*"
	DefaultStartChar         = '^'
	DefaultEndChar           = '$'
	DefaultFreqMin           = 18500.0
	DefaultFreqMax           = 19500.0
	DefaultFreqError         = 50.0
	DefaultIdleTimeout       = 300 * time.Millisecond
	DefaultMinRunLength      = 2
	DefaultSymbolDuration    = 200 * time.Millisecond
	DefaultRampDuration      = time.Millisecond
	DefaultHistorySize       = 16
	DefaultTimesSize         = 16
	DefaultPeakThreshold     = -65.0
	DefaultSanityInterval    = 300
	DefaultCollapseThreshold = -300.0
	DefaultFlatValue         = -100.0
	DefaultFlatBins          = 10
)

// Config holds every codec parameter. Start a Config from DefaultConfig and
// override fields as needed; the zero value is not valid.
type Config struct {
	// Alphabet is the ordered symbol set, without the sentinels.
	Alphabet  string
	StartChar rune
	EndChar   rune

	// FreqMin and FreqMax bound the carrier band in Hz. FreqError is how far
	// outside the band a reading may fall and still clamp to an edge.
	FreqMin   float64
	FreqMax   float64
	FreqError float64

	// IdleTimeout abandons a reception after this much peak silence.
	IdleTimeout time.Duration
	// MinRunLength: a symbol is confirmed once seen in more than
	// MinRunLength consecutive frames.
	MinRunLength int
	// HistorySize is the capacity of the peak history.
	HistorySize int
	// TimesSize is the capacity of the peak time history.
	TimesSize int
	// PeakThreshold is the minimum magnitude (dB) for a peak.
	PeakThreshold float64

	SymbolDuration time.Duration
	RampDuration   time.Duration

	// SanityInterval runs the capture anomaly check every N frames; 0 disables.
	SanityInterval    int
	CollapseThreshold float64
	FlatValue         float64
	FlatBins          int
}

// DefaultConfig returns the stock near-ultrasonic configuration.
func DefaultConfig() Config {
	return Config{
		Alphabet:          DefaultAlphabet,
		StartChar:         DefaultStartChar,
		EndChar:           DefaultEndChar,
		FreqMin:           DefaultFreqMin,
		FreqMax:           DefaultFreqMax,
		FreqError:         DefaultFreqError,
		IdleTimeout:       DefaultIdleTimeout,
		MinRunLength:      DefaultMinRunLength,
		HistorySize:       DefaultHistorySize,
		TimesSize:         DefaultTimesSize,
		PeakThreshold:     DefaultPeakThreshold,
		SymbolDuration:    DefaultSymbolDuration,
		RampDuration:      DefaultRampDuration,
		SanityInterval:    DefaultSanityInterval,
		CollapseThreshold: DefaultCollapseThreshold,
		FlatValue:         DefaultFlatValue,
		FlatBins:          DefaultFlatBins,
	}
}

// Validate reports the first invalid field, wrapped in ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case c.FreqMin < 0 || c.FreqMin >= c.FreqMax:
		return fmt.Errorf("%w: freq band [%g, %g]", ErrInvalidConfig, c.FreqMin, c.FreqMax)
	case c.FreqError < 0:
		return fmt.Errorf("%w: freq error %g < 0", ErrInvalidConfig, c.FreqError)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("%w: idle timeout must be > 0", ErrInvalidConfig)
	case c.MinRunLength < 0:
		return fmt.Errorf("%w: min run length %d < 0", ErrInvalidConfig, c.MinRunLength)
	case c.HistorySize <= c.MinRunLength:
		return fmt.Errorf("%w: history size %d must exceed min run length %d", ErrInvalidConfig, c.HistorySize, c.MinRunLength)
	case c.TimesSize < 1:
		return fmt.Errorf("%w: times size %d < 1", ErrInvalidConfig, c.TimesSize)
	case c.SymbolDuration <= 0:
		return fmt.Errorf("%w: symbol duration must be > 0", ErrInvalidConfig)
	case c.RampDuration < 0 || 2*c.RampDuration > c.SymbolDuration:
		return fmt.Errorf("%w: ramp %s does not fit symbol %s", ErrInvalidConfig, c.RampDuration, c.SymbolDuration)
	case c.SanityInterval < 0:
		return fmt.Errorf("%w: sanity interval %d < 0", ErrInvalidConfig, c.SanityInterval)
	case c.FlatBins < 0:
		return fmt.Errorf("%w: flat bins %d < 0", ErrInvalidConfig, c.FlatBins)
	}
	if _, err := buildAlphabet(c.Alphabet, c.StartChar, c.EndChar); err != nil {
		return err
	}
	return nil
}
