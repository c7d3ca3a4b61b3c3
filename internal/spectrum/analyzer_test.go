package spectrum

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

func sine(freq, rate float64, n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/rate)
	}
	return out
}

func TestAnalyzerRejectsBadSize(t *testing.T) {
	for _, n := range []int{0, 16, 1000} {
		_, err := New(n)
		assert.ErrorIs(t, err, ErrInvalidSize, "size %d", n)
	}
}

func TestAnalyzerFindsTone(t *testing.T) {
	a, err := New(2048, WithSmoothing(0))
	require.NoError(t, err)
	const rate = 48000.0
	// bin-centred tone: bin 800 = 18750 Hz
	s := a.Analyze(sine(18750, rate, 2048, 0.5), rate)
	require.Equal(t, 1024, s.Bins())

	f, ok := sonic.NewPeakExtractor(18500, -65).Peak(s)
	require.True(t, ok)
	assert.InDelta(t, 18750, f, rate/2048)
	// 0.5/2 amplitude times 0.42 coherent gain
	assert.InDelta(t, 20*math.Log10(0.25*0.42), float64(s.Magnitudes[800]), 0.5)
}

func TestAnalyzerSilenceIsFloor(t *testing.T) {
	a, err := New(256, WithFloor(-150))
	require.NoError(t, err)
	s := a.Analyze(make([]float64, 256), 8000)
	for i, v := range s.Magnitudes {
		require.Equal(t, float32(-150), v, "bin %d", i)
	}
	// stays clear of the capture sanity values
	assert.NoError(t, sonic.SanityCheck{CollapseThreshold: -300, FlatValue: -100, FlatBins: 10}.Check(s))
}

func TestAnalyzerSmoothingDecays(t *testing.T) {
	a, err := New(1024, WithSmoothing(0.5))
	require.NoError(t, err)
	const rate = 48000.0
	tone := sine(9375, rate, 1024, 0.5) // bin 200
	first := a.Analyze(tone, rate).Magnitudes[200]
	second := a.Analyze(tone, rate).Magnitudes[200]
	assert.Greater(t, second, first)
	// half of the steady-state magnitude after one frame is -6 dB
	assert.InDelta(t, float64(second)-20*math.Log10(0.75/0.5), float64(first), 0.1)

	a.Reset()
	again := a.Analyze(tone, rate).Magnitudes[200]
	assert.InDelta(t, first, again, 1e-3)
}

func TestAnalyzerShortInputPadded(t *testing.T) {
	a, err := New(512, WithSmoothing(0))
	require.NoError(t, err)
	s := a.Analyze(sine(4000, 16000, 100, 0.5), 16000)
	assert.Equal(t, 256, s.Bins())
	f, ok := sonic.NewPeakExtractor(1000, -80).Peak(s)
	require.True(t, ok)
	assert.InDelta(t, 4000, f, 200)
}
