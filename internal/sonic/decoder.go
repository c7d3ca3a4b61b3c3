package sonic

import (
	"io"
	"log/slog"
	"time"
)

// Decoder turns a stream of spectrum frames into messages. One goroutine
// owns a Decoder; it holds no locks.
type Decoder struct {
	coder  *Coder
	peaks  PeakExtractor
	sanity SanityCheck
	every  int
	filter *RunFilter
	framer *Framer
	events Events
	log    *slog.Logger
	frames uint64
}

type DecoderOption func(*Decoder)

// WithEvents sets the notification sink (default NopEvents).
func WithEvents(ev Events) DecoderOption {
	return func(d *Decoder) {
		if ev != nil {
			d.events = ev
		}
	}
}

// WithLogger sets the debug logger (default discards).
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		if l != nil {
			d.log = l
		}
	}
}

func NewDecoder(cfg Config, opts ...DecoderOption) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c, err := NewCoder(cfg)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		coder: c,
		peaks: NewPeakExtractor(cfg.FreqMin, cfg.PeakThreshold),
		sanity: SanityCheck{
			CollapseThreshold: cfg.CollapseThreshold,
			FlatValue:         cfg.FlatValue,
			FlatBins:          cfg.FlatBins,
		},
		every:  cfg.SanityInterval,
		filter: NewRunFilter(cfg.HistorySize, cfg.TimesSize, cfg.MinRunLength, cfg.IdleTimeout),
		framer: NewFramer(c.Start(), c.End()),
		events: NopEvents{},
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

func (d *Decoder) Coder() *Coder { return d.coder }
func (d *Decoder) State() State  { return d.framer.State() }

// Frames is the number of frames seen since construction or Reset.
func (d *Decoder) Frames() uint64 { return d.frames }

// Process handles one frame captured at now. The only error it returns
// wraps ErrRestartRequired; the frame is not decoded in that case.
func (d *Decoder) Process(s Spectrum, now time.Time) error {
	d.frames++
	if d.every > 0 && d.frames%uint64(d.every) == 0 {
		if err := d.sanity.Check(s); err != nil {
			d.events.OnAnomaly(err)
			return err
		}
	}

	var (
		sym  rune
		have bool
	)
	if freq, ok := d.peaks.Peak(s); ok {
		r, err := d.coder.FreqToChar(freq)
		if err != nil {
			d.filter.Gap()
			d.events.OnOutOfRange(freq)
		} else {
			sym, have = r, true
			d.log.Debug("transcribed", "char", string(r), "freq", freq)
			d.events.OnPeak(freq, r)
		}
	}

	if d.filter.Observe(sym, have, now) {
		if partial, was := d.framer.Timeout(); was {
			d.events.OnStateChange(StateReceiving, StateIdle)
			d.events.OnTimeout(partial)
		}
	}

	c, ok := d.filter.LastRun()
	if !ok {
		return nil
	}
	d.events.OnSymbol(c)
	before := d.framer.State()
	msg, done := d.framer.Feed(c)
	if after := d.framer.State(); after != before {
		d.events.OnStateChange(before, after)
	}
	if done {
		d.events.OnMessage(msg)
	}
	return nil
}

// Reset clears all decoding state, e.g. after the capture was restarted.
func (d *Decoder) Reset() {
	d.filter.Reset()
	d.framer.Reset()
	d.frames = 0
}
