package sonic

import "strings"

// State of the receive framer.
type State int

const (
	StateIdle State = iota
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// Framer assembles confirmed symbols into messages delimited by the Start
// and End sentinels. Consecutive equal symbols collapse into one, so a
// message cannot carry a doubled letter.
type Framer struct {
	start, end rune
	state      State
	buf        strings.Builder
	prev       rune
	hasPrev    bool
}

func NewFramer(start, end rune) *Framer {
	return &Framer{start: start, end: end}
}

func (f *Framer) State() State { return f.state }

// Feed consumes one confirmed symbol and returns a message when c closes one.
func (f *Framer) Feed(c rune) (msg string, complete bool) {
	switch f.state {
	case StateIdle:
		if c == f.start {
			f.clear()
			f.state = StateReceiving
		}
	case StateReceiving:
		switch {
		case c == f.end:
			msg = f.buf.String()
			f.clear()
			f.state = StateIdle
			return msg, true
		case c == f.start:
			// held start tone confirmed again
		case f.hasPrev && c == f.prev:
		default:
			f.buf.WriteRune(c)
			f.prev, f.hasPrev = c, true
		}
	}
	return "", false
}

// Timeout abandons a reception in progress. It returns the discarded text
// and whether the framer was receiving.
func (f *Framer) Timeout() (partial string, wasReceiving bool) {
	wasReceiving = f.state == StateReceiving
	partial = f.buf.String()
	f.Reset()
	return partial, wasReceiving
}

// Reset returns to Idle with an empty buffer.
func (f *Framer) Reset() {
	f.clear()
	f.state = StateIdle
}

func (f *Framer) clear() {
	f.buf.Reset()
	f.prev, f.hasPrev = 0, false
}
