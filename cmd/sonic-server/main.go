package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/mqttpub"
	"github.com/kstaniek/go-sonic-server/internal/server"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/store"
	"github.com/kstaniek/go-sonic-server/internal/wire"
)

// Helper implementations live in dedicated files: version.go, config.go, logger.go, hub_init.go, metrics_logger.go, events.go, sender.go, backend*.go.

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("sonic-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	h := initHub(cfg, l)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	events := newEventSink(l, h)
	if cfg.historyDB != "" {
		st, err := store.Open(cfg.historyDB)
		if err != nil {
			l.Error("history_open_error", "error", err)
			return
		}
		defer func() { _ = st.Close() }()
		logHistoryOpen(ctx, l, cfg.historyDB, st)
		events.attachHistory(ctx, st)
	}
	if cfg.mqttBroker != "" {
		pub, err := mqttpub.Connect(mqttpub.Options{Broker: cfg.mqttBroker, Topic: cfg.mqttTopic})
		if err != nil {
			// mirror disabled; decoding continues
			metrics.IncError(metrics.ErrMQTT)
			l.Warn("mqtt_connect_error", "error", err)
		} else {
			defer pub.Close()
			events.attachMQTT(ctx, pub)
		}
	}
	// runs before the store and broker are closed
	defer events.close()

	codecCfg, err := cfg.codecConfig()
	if err != nil {
		l.Error("codec_config_error", "error", err)
		return
	}
	dec, err := sonic.NewDecoder(codecCfg, sonic.WithEvents(events), sonic.WithLogger(l.With("component", "decoder")))
	if err != nil {
		l.Error("decoder_init_error", "error", err)
		return
	}
	enc, err := sonic.NewEncoderFromConfig(codecCfg)
	if err != nil {
		l.Error("encoder_init_error", "error", err)
		return
	}
	logCodec(l, dec.Coder())

	sink, cleanup, berr := initBackend(ctx, cfg, dec, l, &wg)
	if berr != nil {
		l.Error("backend_init_error", "error", berr)
		return
	}

	srv := server.NewServer(
		server.WithHub(h),
		server.WithCodec(&wire.Codec{}),
		server.WithSend(newSender(enc, sink, events, l)),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	srv.SetListenAddr(cfg.listenAddr)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			cancel()
		}
	}()

	// Start mDNS advertisement once listener is ready.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		portNum := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", mdnsInstance(cfg), "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	// Ready when server listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	_ = srv.Shutdown(context.Background())
	cleanup()
	wg.Wait()
}

func logCodec(l *slog.Logger, c *sonic.Coder) {
	b := c.Band()
	l.Info("codec_config", "symbols", c.Len(), "freq_min", b.Min, "freq_max", b.Max, "freq_error", b.Error)
}

// portOf extracts the port from a bound address (host:port or :port).
func portOf(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if pn, err := strconv.Atoi(addr[i+1:]); err == nil {
			return pn
		}
	}
	return 0
}
