package serial

import (
	"context"
	"fmt"

	"github.com/kstaniek/go-sonic-server/internal/logging"
	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/transport"
)

var ErrTxOverflow = fmt.Errorf("serial %w", transport.ErrTxOverflow)

// TXWriter funnels tone schedules to the device through one goroutine.
// It implements sonic.ToneSink.
type TXWriter struct {
	base *transport.AsyncTx[[]sonic.ToneCommand]
}

// NewTXWriter creates a TXWriter queueing up to buf schedules.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	send := func(cmds []sonic.ToneCommand) error {
		if _, err := sp.Write(codec.EncodeSchedule(cmds)); err != nil {
			return err
		}
		for range cmds {
			metrics.IncSerialTx()
		}
		return nil
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// PlayTones queues a schedule (drops with ErrTxOverflow if the queue is full).
func (w *TXWriter) PlayTones(_ context.Context, cmds []sonic.ToneCommand) error {
	if len(cmds) == 0 {
		return nil
	}
	return w.base.Send(cmds)
}

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }

var _ sonic.ToneSink = (*TXWriter)(nil)
