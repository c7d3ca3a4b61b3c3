package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-sonic-server/internal/audio"
	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/spectrum"
)

const wavSampleRate = 48000

// wavInterval paces WAV replay; tests replace it to run unpaced.
var wavInterval = func(frameRate int) time.Duration { return time.Second / time.Duration(frameRate) }

// initWAVBackend writes each transmission to a WAV file in cfg.wavOut and,
// when cfg.wavIn is set, decodes that file as if it were live capture. With
// cfg.wavLoop the file is replayed until shutdown.
func initWAVBackend(ctx context.Context, cfg *appConfig, dec *sonic.Decoder, l *slog.Logger, wg *sync.WaitGroup) (sonic.ToneSink, func(), error) {
	if err := os.MkdirAll(cfg.wavOut, 0o755); err != nil {
		return nil, func() {}, fmt.Errorf("wav out dir: %w", err)
	}
	sink := &audio.WAVSink{Dir: cfg.wavOut, SampleRate: wavSampleRate}
	if cfg.wavIn == "" {
		l.Info("wav_open", "out", cfg.wavOut)
		return sink, func() {}, nil
	}

	f, err := os.Open(cfg.wavIn)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open wav: %w", err)
	}
	an, err := spectrum.New(cfg.fftSize)
	if err != nil {
		_ = f.Close()
		return nil, func() {}, err
	}
	src, err := audio.NewWAVSource(f, an, cfg.frameRate)
	if err != nil {
		_ = f.Close()
		return nil, func() {}, fmt.Errorf("wav %s: %w", cfg.wavIn, err)
	}
	l.Info("wav_open", "in", cfg.wavIn, "out", cfg.wavOut, "rate", src.SampleRate(), "fft", cfg.fftSize)

	counted := sonic.FrameSourceFunc(func(ctx context.Context) (sonic.Spectrum, error) {
		s, err := src.NextFrame(ctx)
		if err == nil {
			metrics.IncFrames()
		}
		return s, err
	})
	loop := sonic.NewLoop(dec, counted, sonic.WithClock(src.Now), sonic.WithInterval(wavInterval(cfg.frameRate)))
	var stopped atomic.Bool

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = f.Close() }()
		defer l.Info("wav_rx_end")
		for {
			err := loop.Run(ctx)
			switch {
			case err == nil:
				if !cfg.wavLoop || stopped.Load() || ctx.Err() != nil {
					return
				}
				if err := src.Rewind(); err != nil {
					metrics.IncError(metrics.ErrCapture)
					l.Error("wav_rewind_error", "error", err)
					return
				}
				dec.Reset()
				l.Debug("wav_rewind", "in", cfg.wavIn)
			case errors.Is(err, sonic.ErrRestartRequired):
				metrics.IncRestart()
				metrics.SetReceiving(false)
				l.Warn("capture_restart", "error", err)
				dec.Reset()
			default:
				metrics.IncError(metrics.ErrCapture)
				l.Error("wav_read_error", "error", err)
				return
			}
		}
	}()
	return sink, func() { stopped.Store(true); loop.Stop() }, nil
}
