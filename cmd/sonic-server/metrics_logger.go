package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kstaniek/go-sonic-server/internal/metrics"
)

func comma(v uint64) string { return humanize.Comma(int64(v)) }

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"frames", comma(snap.Frames),
		"peaks", comma(snap.Peaks),
		"out_of_range", comma(snap.OutOfRange),
		"symbols", comma(snap.Symbols),
		"decoded", comma(snap.MessagesDecoded),
		"echoes", comma(snap.Echoes),
		"timeouts", comma(snap.Timeouts),
		"restarts", comma(snap.Restarts),
		"sent", comma(snap.MessagesSent),
		"tones", comma(snap.TonesSent),
		"serial_rx", comma(snap.SerialRx),
		"serial_tx", comma(snap.SerialTx),
		"tcp_rx", comma(snap.TCPRx),
		"tcp_tx", comma(snap.TCPTx),
		"hub_drops", comma(snap.HubDrops),
		"errors", comma(snap.Errors),
	)
}
