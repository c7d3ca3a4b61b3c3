// Package audio renders tone schedules to PCM and moves PCM through WAV
// files.
package audio

import (
	"math"

	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

// Render synthesizes cmds at sampleRate. The first sample is at the
// earliest command start; output runs to the last command end. amp scales
// the full-gain level and should stay within (0, 1].
func Render(cmds []sonic.ToneCommand, sampleRate int, amp float64) []float64 {
	if len(cmds) == 0 || sampleRate <= 0 {
		return nil
	}
	origin, end := cmds[0].Start, cmds[0].End()
	for _, c := range cmds[1:] {
		origin = math.Min(origin, c.Start)
		end = math.Max(end, c.End())
	}
	rate := float64(sampleRate)
	out := make([]float64, int(math.Ceil((end-origin)*rate-1e-6)))
	for _, c := range cmds {
		first := int(math.Floor((c.Start - origin) * rate))
		last := int(math.Ceil((c.End() - origin) * rate))
		if last > len(out) {
			last = len(out)
		}
		w := 2 * math.Pi * c.Frequency
		for i := max(first, 0); i < last; i++ {
			t := origin + float64(i)/rate
			out[i] += amp * c.Gain(t) * math.Sin(w*(t-c.Start))
		}
	}
	return out
}

// Silence returns d seconds of zero samples.
func Silence(d float64, sampleRate int) []float64 {
	if d <= 0 {
		return nil
	}
	return make([]float64, int(d*float64(sampleRate)))
}
