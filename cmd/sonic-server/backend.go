package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

// initBackend selects the backend, starts its RX loop feeding dec and returns
// the tone sink for transmissions and a cleanup.
// It returns an error instead of exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, dec *sonic.Decoder, l *slog.Logger, wg *sync.WaitGroup) (sonic.ToneSink, func(), error) {
	switch cfg.backend {
	case "serial":
		return initSerialBackend(ctx, cfg, dec, l, wg)
	case "wav":
		return initWAVBackend(ctx, cfg, dec, l, wg)
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use serial|wav)", cfg.backend)
	}
}
