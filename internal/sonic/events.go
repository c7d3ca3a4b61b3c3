package sonic

// Events receives decoder notifications. Calls happen on the goroutine
// driving the decoder and must not block.
type Events interface {
	OnPeak(freq float64, sym rune)
	OnOutOfRange(freq float64)
	OnSymbol(sym rune)
	OnStateChange(from, to State)
	OnMessage(msg string)
	OnTimeout(partial string)
	OnAnomaly(err error)
}

// NopEvents ignores everything.
type NopEvents struct{}

func (NopEvents) OnPeak(float64, rune)       {}
func (NopEvents) OnOutOfRange(float64)       {}
func (NopEvents) OnSymbol(rune)              {}
func (NopEvents) OnStateChange(State, State) {}
func (NopEvents) OnMessage(string)           {}
func (NopEvents) OnTimeout(string)           {}
func (NopEvents) OnAnomaly(error)            {}

// EventFuncs adapts optional callbacks to Events. Nil fields are skipped.
type EventFuncs struct {
	Peak        func(freq float64, sym rune)
	OutOfRange  func(freq float64)
	Symbol      func(sym rune)
	StateChange func(from, to State)
	Message     func(msg string)
	Timeout     func(partial string)
	Anomaly     func(err error)
}

func (e EventFuncs) OnPeak(freq float64, sym rune) {
	if e.Peak != nil {
		e.Peak(freq, sym)
	}
}

func (e EventFuncs) OnOutOfRange(freq float64) {
	if e.OutOfRange != nil {
		e.OutOfRange(freq)
	}
}

func (e EventFuncs) OnSymbol(sym rune) {
	if e.Symbol != nil {
		e.Symbol(sym)
	}
}

func (e EventFuncs) OnStateChange(from, to State) {
	if e.StateChange != nil {
		e.StateChange(from, to)
	}
}

func (e EventFuncs) OnMessage(msg string) {
	if e.Message != nil {
		e.Message(msg)
	}
}

func (e EventFuncs) OnTimeout(partial string) {
	if e.Timeout != nil {
		e.Timeout(partial)
	}
}

func (e EventFuncs) OnAnomaly(err error) {
	if e.Anomaly != nil {
		e.Anomaly(err)
	}
}
