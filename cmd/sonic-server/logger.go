package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-sonic-server/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	lvl, _ := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "sonic-server")
	logging.Set(l)
	return l
}
