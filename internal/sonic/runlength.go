package sonic

import (
	"time"

	"github.com/kstaniek/go-sonic-server/internal/ringbuf"
)

// RunFilter turns per-frame symbol observations into confirmed symbols.
// A symbol is confirmed once the newest entries of the history hold more
// than minRun identical values; the run is then consumed.
type RunFilter struct {
	history *ringbuf.Buffer[rune]
	times   *ringbuf.Buffer[time.Time]
	minRun  int
	timeout time.Duration
}

// NoSymbol fills a history slot for a frame whose peak mapped to no symbol.
const NoSymbol rune = -1

// NewRunFilter keeps historySize observations and timesSize peak times.
func NewRunFilter(historySize, timesSize, minRun int, timeout time.Duration) *RunFilter {
	return &RunFilter{
		history: ringbuf.New[rune](historySize),
		times:   ringbuf.New[time.Time](timesSize),
		minRun:  minRun,
		timeout: timeout,
	}
}

// Observe records one frame. With ok set, sym is pushed to the history and
// now to the peak times. Without a symbol, it reports whether the idle
// timeout has elapsed since the last peak; the peak times are cleared when
// it has.
func (f *RunFilter) Observe(sym rune, ok bool, now time.Time) (timedOut bool) {
	if ok {
		f.history.Add(sym)
		f.times.Add(now)
		return false
	}
	last, seen := f.times.Last()
	if !seen || now.Sub(last) <= f.timeout {
		return false
	}
	f.times.Clear()
	return true
}

// Gap records a frame that had a peak but no symbol. It breaks any run in
// progress and leaves the peak times alone, so it counts toward the idle
// timeout like silence.
func (f *RunFilter) Gap() { f.history.Add(NoSymbol) }

// LastRun confirms the symbol at the tail of the history if its run is long
// enough, removing the run.
func (f *RunFilter) LastRun() (rune, bool) {
	n := f.history.Len()
	seed, ok := f.history.Last()
	if !ok || seed == NoSymbol {
		return 0, false
	}
	run := 0
	for i := n - 1; i >= 0; i-- {
		v, _ := f.history.Get(i)
		if v != seed {
			break
		}
		run++
	}
	if run <= f.minRun {
		return 0, false
	}
	f.history.RemoveRange(n-run, run)
	return seed, true
}

// Reset drops all history.
func (f *RunFilter) Reset() {
	f.history.Clear()
	f.times.Clear()
}

// History returns a snapshot of the pending observations, NoSymbol marking
// gaps.
func (f *RunFilter) History() []rune { return f.history.Values() }
