// Package spectrum computes per-frame dB magnitude spectra from PCM blocks.
package spectrum

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

const (
	DefaultSize      = 2048
	DefaultSmoothing = 0.8
	// DefaultFloorDB replaces -Inf for empty bins.
	DefaultFloorDB = -200.0
)

var ErrInvalidSize = errors.New("spectrum: fft size must be a power of two >= 32")

// Analyzer applies a Blackman window and an FFT to the newest Size samples,
// smooths magnitudes over time and converts them to dB. Not safe for
// concurrent use.
type Analyzer struct {
	size      int
	fft       *fourier.FFT
	window    []float64
	smoothing float64
	floor     float64

	frame []float64
	coeff []complex128
	prev  []float64
}

type Option func(*Analyzer)

// WithSmoothing sets the time constant in [0, 1); 0 disables smoothing.
func WithSmoothing(tau float64) Option {
	return func(a *Analyzer) {
		if tau >= 0 && tau < 1 {
			a.smoothing = tau
		}
	}
}

// WithFloor sets the dB value reported for silent bins.
func WithFloor(db float64) Option { return func(a *Analyzer) { a.floor = db } }

func New(size int, opts ...Option) (*Analyzer, error) {
	if size < 32 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	a := &Analyzer{
		size:      size,
		fft:       fourier.NewFFT(size),
		window:    blackman(size),
		smoothing: DefaultSmoothing,
		floor:     DefaultFloorDB,
		frame:     make([]float64, size),
		coeff:     make([]complex128, size/2+1),
		prev:      make([]float64, size/2),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func blackman(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = 0.42 - 0.5*math.Cos(2*math.Pi*x) + 0.08*math.Cos(4*math.Pi*x)
	}
	return w
}

// Size is the FFT length; spectra carry Size/2 bins.
func (a *Analyzer) Size() int { return a.size }

// Analyze returns the spectrum of the newest Size samples. Shorter input is
// zero padded at the front.
func (a *Analyzer) Analyze(samples []float64, sampleRate float64) sonic.Spectrum {
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	pad := a.size - len(samples)
	for i := 0; i < pad; i++ {
		a.frame[i] = 0
	}
	for i, v := range samples {
		a.frame[pad+i] = v * a.window[pad+i]
	}
	a.coeff = a.fft.Coefficients(a.coeff, a.frame)

	out := make([]float32, a.size/2)
	scale := 1 / float64(a.size)
	for k := range out {
		mag := cmplx.Abs(a.coeff[k]) * scale
		mag = a.smoothing*a.prev[k] + (1-a.smoothing)*mag
		a.prev[k] = mag
		db := a.floor
		if mag > 0 {
			db = math.Max(20*math.Log10(mag), a.floor)
		}
		out[k] = float32(db)
	}
	return sonic.Spectrum{Magnitudes: out, SampleRate: sampleRate}
}

// Reset forgets the smoothing history.
func (a *Analyzer) Reset() {
	for i := range a.prev {
		a.prev[i] = 0
	}
}
