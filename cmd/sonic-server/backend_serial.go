package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/serial"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// openSerialPort is a hook for tests (overridden in unit tests).
var openSerialPort = serial.Open

// swapPort lets the TX writer keep its port across a capture restart that
// reopens the device.
type swapPort struct {
	mu sync.RWMutex
	p  serial.Port
}

func (s *swapPort) get() serial.Port {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *swapPort) set(p serial.Port) {
	s.mu.Lock()
	s.p = p
	s.mu.Unlock()
}

func (s *swapPort) Read(b []byte) (int, error)  { return s.get().Read(b) }
func (s *swapPort) Write(b []byte) (int, error) { return s.get().Write(b) }
func (s *swapPort) Close() error                { return s.get().Close() }

// initSerialBackend sets up the serial backend, launching the RX loop.
func initSerialBackend(ctx context.Context, cfg *appConfig, dec *sonic.Decoder, l *slog.Logger, wg *sync.WaitGroup) (sonic.ToneSink, func(), error) {
	sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
	if err != nil {
		return nil, func() {}, fmt.Errorf("open serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
	port := &swapPort{p: sp}
	serCodec := serial.Codec{}
	w := serial.NewTXWriter(ctx, port, serCodec, txQueueSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer l.Info("serial_rx_end")
		buf := make([]byte, serialReadBufSize)
		acc := bytes.NewBuffer(nil)
		backoff := rxBackoffMin
		var restart error
		onFrame := func(s sonic.Spectrum) {
			if restart != nil {
				return
			}
			metrics.IncFrames()
			if err := dec.Process(s, time.Now()); err != nil {
				restart = err
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := port.Read(buf)
			if n > 0 {
				acc.Write(buf[:n])
				_ = serCodec.DecodeStream(acc, onFrame)
				if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThreshold {
					acc = bytes.NewBuffer(nil)
				}
				backoff = rxBackoffMin
			}
			if restart != nil {
				metrics.IncRestart()
				metrics.IncError(metrics.ErrCapture)
				metrics.SetReceiving(false)
				l.Warn("capture_restart", "error", restart)
				acc.Reset()
				dec.Reset()
				restart = nil
				if !reopenSerial(ctx, cfg, port, l) {
					return
				}
				continue
			}
			if err != nil {
				if ctx.Err() != nil { // shutting down
					return
				}
				var perr *os.PathError
				if errors.As(err, &perr) {
					return // device removed or fatal
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					continue // ignore transient EOF
				}
				metrics.IncError(metrics.ErrSerialRead)
				l.Warn("serial_read_error", "error", err, "backoff", backoff)
				sleepFn(backoff)
				backoff *= 2
				if backoff > rxBackoffMax {
					backoff = rxBackoffMax
				}
			}
		}
	}()
	return w, func() { _ = port.Close(); w.Close() }, nil
}

// reopenSerial closes the capture device and opens it again with backoff.
// It returns false when ctx ends first.
func reopenSerial(ctx context.Context, cfg *appConfig, port *swapPort, l *slog.Logger) bool {
	_ = port.Close()
	backoff := restartBackoffMin
	for {
		sleepFn(backoff)
		if ctx.Err() != nil {
			return false
		}
		sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err == nil {
			port.set(sp)
			l.Info("serial_reopen", "device", cfg.serialDev)
			return true
		}
		metrics.IncError(metrics.ErrCapture)
		l.Warn("serial_reopen_error", "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}
