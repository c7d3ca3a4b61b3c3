package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/server"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

// nowSeconds is the tone scheduling clock.
var nowSeconds = func() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// newSender returns the server's transmit hook: encode text, queue the tones
// on sink and log once the nominal air time has passed.
func newSender(enc *sonic.Encoder, sink sonic.ToneSink, ev *eventSink, l *slog.Logger) server.SendFunc {
	return func(ctx context.Context, text string) error {
		started := time.Now()
		cmds, err := enc.Send(ctx, text, nowSeconds(), sink, func() {
			l.Debug("transmit_done", "len", len(text), "elapsed", time.Since(started))
		})
		if err != nil {
			return err
		}
		metrics.AddSent(len(cmds))
		ev.recordSent(text)
		l.Info("message_sent", "text", text, "tones", len(cmds), "airtime", enc.TransmitDuration(text))
		return nil
	}
}
