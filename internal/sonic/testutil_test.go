package sonic

import (
	"time"
)

const (
	testRate = 1024.0 // 512 bins of 1 Hz each
	testBins = 512
	floorDB  = -120
)

// testConfig is the small " abc" alphabet on a 100..200 Hz band.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Alphabet = " abc"
	cfg.FreqMin = 100
	cfg.FreqMax = 200
	cfg.FreqError = 50
	return cfg
}

func silentFrame() Spectrum {
	m := make([]float32, testBins)
	for i := range m {
		m[i] = floorDB
	}
	return Spectrum{Magnitudes: m, SampleRate: testRate}
}

func toneFrame(freq float64) Spectrum {
	s := silentFrame()
	s.Magnitudes[s.FreqBin(freq)] = -20
	return s
}

type recorder struct {
	peaks    []rune
	oor      []float64
	symbols  []rune
	states   [][2]State
	messages []string
	timeouts []string
	anomaly  []error
}

func (r *recorder) OnPeak(_ float64, sym rune)   { r.peaks = append(r.peaks, sym) }
func (r *recorder) OnOutOfRange(f float64)       { r.oor = append(r.oor, f) }
func (r *recorder) OnSymbol(sym rune)            { r.symbols = append(r.symbols, sym) }
func (r *recorder) OnStateChange(from, to State) { r.states = append(r.states, [2]State{from, to}) }
func (r *recorder) OnMessage(msg string)         { r.messages = append(r.messages, msg) }
func (r *recorder) OnTimeout(partial string)     { r.timeouts = append(r.timeouts, partial) }
func (r *recorder) OnAnomaly(err error)          { r.anomaly = append(r.anomaly, err) }

// clock hands out timestamps 1/60 s apart.
type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) next() time.Time {
	c.t = c.t.Add(time.Second / 60)
	return c.t
}

// framesFor repeats each symbol's tone n times.
func framesFor(c *Coder, text string, n int) []Spectrum {
	var out []Spectrum
	for _, r := range text {
		f, err := c.CharToFreq(r)
		if err != nil {
			panic(err)
		}
		for i := 0; i < n; i++ {
			out = append(out, toneFrame(f))
		}
	}
	return out
}
