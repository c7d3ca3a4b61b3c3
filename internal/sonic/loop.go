package sonic

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// FrameSource delivers spectrum frames. NextFrame returns io.EOF when the
// source is exhausted.
type FrameSource interface {
	NextFrame(ctx context.Context) (Spectrum, error)
}

// FrameSourceFunc adapts a function to FrameSource.
type FrameSourceFunc func(ctx context.Context) (Spectrum, error)

func (f FrameSourceFunc) NextFrame(ctx context.Context) (Spectrum, error) { return f(ctx) }

// Loop drives a Decoder from a FrameSource.
type Loop struct {
	dec      *Decoder
	src      FrameSource
	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

type LoopOption func(*Loop)

// WithInterval paces ticks; zero (default) processes frames as fast as the
// source yields them.
func WithInterval(d time.Duration) LoopOption { return func(l *Loop) { l.interval = d } }

// WithClock overrides the timestamp given to each frame.
func WithClock(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLoop(dec *Decoder, src FrameSource, opts ...LoopOption) *Loop {
	l := &Loop{dec: dec, src: src, now: time.Now, stop: make(chan struct{})}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Tick pulls one frame and processes it.
func (l *Loop) Tick(ctx context.Context) error {
	s, err := l.src.NextFrame(ctx)
	if err != nil {
		return err
	}
	return l.dec.Process(s, l.now())
}

// Run ticks until ctx is done, Stop is called or the source ends. It returns
// nil on a clean end and the decoder's ErrRestartRequired or a source error
// otherwise.
func (l *Loop) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if l.interval > 0 {
		t := time.NewTicker(l.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil
		default:
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-l.stop:
				return nil
			case <-tick:
			}
		}
		if err := l.Tick(ctx); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Stop ends Run after the frame in flight.
func (l *Loop) Stop() { l.stopOnce.Do(func() { close(l.stop) }) }
