package sonic

import (
	"fmt"
	"math"
)

// Spectrum is one frame of magnitudes (dB) in linear bins spanning
// 0..SampleRate/2.
type Spectrum struct {
	Magnitudes []float32
	SampleRate float64
}

// Bins is the number of frequency bins.
func (s Spectrum) Bins() int { return len(s.Magnitudes) }

// BinFreq converts a bin index to Hz.
func (s Spectrum) BinFreq(i int) float64 {
	if len(s.Magnitudes) == 0 {
		return 0
	}
	return s.SampleRate / 2 / float64(len(s.Magnitudes)) * float64(i)
}

// FreqBin converts Hz to the nearest bin index.
func (s Spectrum) FreqBin(freq float64) int {
	nyquist := s.SampleRate / 2
	if nyquist <= 0 {
		return 0
	}
	return int(math.Round(freq / nyquist * float64(len(s.Magnitudes))))
}

// PeakExtractor finds the dominant frequency at or above the band floor.
// It picks the single strongest bin; simultaneous tones are not separated.
type PeakExtractor struct {
	floor     float64
	threshold float64
}

func NewPeakExtractor(floor, threshold float64) PeakExtractor {
	return PeakExtractor{floor: floor, threshold: threshold}
}

// Peak returns the frequency of the loudest bin from the band floor up,
// or false when nothing exceeds the threshold.
func (p PeakExtractor) Peak(s Spectrum) (float64, bool) {
	start := s.FreqBin(p.floor)
	if start < 0 {
		start = 0
	}
	maxVal := math.Inf(-1)
	idx := -1
	for i := start; i < len(s.Magnitudes); i++ {
		if v := float64(s.Magnitudes[i]); v > maxVal {
			maxVal = v
			idx = i
		}
	}
	if idx < 0 || maxVal <= p.threshold {
		return 0, false
	}
	return s.BinFreq(idx), true
}

// SanityCheck inspects the low bins of a frame for a dead capture.
type SanityCheck struct {
	CollapseThreshold float64
	FlatValue         float64
	FlatBins          int
}

// Check returns ErrRestartRequired wrapping ErrCaptureCollapsed or
// ErrCaptureFlat when the frame looks like a broken capture: bin 0 below
// CollapseThreshold, or the first FlatBins bins all reading FlatValue.
func (c SanityCheck) Check(s Spectrum) error {
	if len(s.Magnitudes) == 0 {
		return nil
	}
	if v := float64(s.Magnitudes[0]); v < c.CollapseThreshold {
		return fmt.Errorf("%w: %w (bin0 %.1f dB)", ErrRestartRequired, ErrCaptureCollapsed, v)
	}
	n := min(c.FlatBins, len(s.Magnitudes))
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		if float64(s.Magnitudes[i]) != c.FlatValue {
			return nil
		}
	}
	return fmt.Errorf("%w: %w (bins 0..%d at %.1f dB)", ErrRestartRequired, ErrCaptureFlat, n-1, c.FlatValue)
}
