package sonic

import (
	"context"
	"time"
)

// ToneCommand is one scheduled tone. Times are in seconds on the tone
// generator's clock.
type ToneCommand struct {
	Symbol    rune
	Frequency float64
	Start     float64
	Duration  float64
	Ramp      float64
}

// End is the time the tone falls silent.
func (t ToneCommand) End() float64 { return t.Start + t.Duration }

// GainPoint is a vertex of the linear gain envelope.
type GainPoint struct {
	Time float64
	Gain float64
}

// Envelope returns the fade-in/hold/fade-out vertices.
func (t ToneCommand) Envelope() [4]GainPoint {
	return [4]GainPoint{
		{t.Start, 0},
		{t.Start + t.Ramp, 1},
		{t.End() - t.Ramp, 1},
		{t.End(), 0},
	}
}

// Gain evaluates the envelope at time at.
func (t ToneCommand) Gain(at float64) float64 {
	switch {
	case at <= t.Start || at >= t.End():
		return 0
	case t.Ramp > 0 && at < t.Start+t.Ramp:
		return (at - t.Start) / t.Ramp
	case t.Ramp > 0 && at > t.End()-t.Ramp:
		return (t.End() - at) / t.Ramp
	default:
		return 1
	}
}

// ToneSink realizes tone commands, e.g. a synthesizer or a device link.
type ToneSink interface {
	PlayTones(ctx context.Context, cmds []ToneCommand) error
}

// Encoder turns text into tone schedules.
type Encoder struct {
	coder   *Coder
	symbol  time.Duration
	ramp    time.Duration
	afterFn func(time.Duration, func()) *time.Timer
}

func NewEncoder(coder *Coder, symbol, ramp time.Duration) *Encoder {
	return &Encoder{coder: coder, symbol: symbol, ramp: ramp, afterFn: time.AfterFunc}
}

// NewEncoderFromConfig builds the coder and encoder for cfg.
func NewEncoderFromConfig(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := NewCoder(cfg)
	if err != nil {
		return nil, err
	}
	return NewEncoder(c, cfg.SymbolDuration, cfg.RampDuration), nil
}

func (e *Encoder) Coder() *Coder { return e.coder }

// Encode wraps text in the sentinels and schedules one tone per symbol
// starting at now (seconds). Any symbol outside the alphabet fails the
// whole request with ErrUnknownSymbol.
func (e *Encoder) Encode(text string, now float64) ([]ToneCommand, error) {
	runes := []rune(text)
	wrapped := make([]rune, 0, len(runes)+2)
	wrapped = append(wrapped, e.coder.Start())
	wrapped = append(wrapped, runes...)
	wrapped = append(wrapped, e.coder.End())

	dur := e.symbol.Seconds()
	ramp := e.ramp.Seconds()
	cmds := make([]ToneCommand, 0, len(wrapped))
	for i, r := range wrapped {
		f, err := e.coder.CharToFreq(r)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, ToneCommand{
			Symbol:    r,
			Frequency: f,
			Start:     now + float64(i)*dur,
			Duration:  dur,
			Ramp:      ramp,
		})
	}
	return cmds, nil
}

// TransmitDuration is how long text takes on air, sentinels included.
func (e *Encoder) TransmitDuration(text string) time.Duration {
	return e.symbol * time.Duration(len([]rune(text))+2)
}

// Send encodes text, hands the schedule to sink and, when done is non-nil,
// calls it once the nominal transmit time has elapsed. done is timer based;
// it does not wait for the sink to finish playback.
func (e *Encoder) Send(ctx context.Context, text string, now float64, sink ToneSink, done func()) ([]ToneCommand, error) {
	cmds, err := e.Encode(text, now)
	if err != nil {
		return nil, err
	}
	if err := sink.PlayTones(ctx, cmds); err != nil {
		return nil, err
	}
	if done != nil {
		e.afterFn(e.symbol*time.Duration(len(cmds)), done)
	}
	return cmds, nil
}
