package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-sonic-server/internal/hub"
	"github.com/kstaniek/go-sonic-server/internal/metrics"
	"github.com/kstaniek/go-sonic-server/internal/mqttpub"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
	"github.com/kstaniek/go-sonic-server/internal/store"
	"github.com/kstaniek/go-sonic-server/internal/transport"
)

type historyEntry struct {
	dir  store.Direction
	text string
	at   time.Time
}

type historySaver interface {
	Save(ctx context.Context, dir store.Direction, text string) (store.Message, error)
	SeenSince(ctx context.Context, dir store.Direction, text string, t time.Time) (bool, error)
}

type payloadPublisher interface {
	Publish(ctx context.Context, p mqttpub.Payload) error
}

// eventSink receives decoder events on the capture goroutine and fans them
// out to metrics, logs, TCP clients and the optional history and MQTT
// queues. Nothing in here blocks the decoder.
type eventSink struct {
	l       *slog.Logger
	hub     *hub.Hub
	history *transport.AsyncTx[historyEntry]
	mqtt    *transport.AsyncTx[mqttpub.Payload]
	now     func() time.Time
}

func newEventSink(l *slog.Logger, h *hub.Hub) *eventSink {
	return &eventSink{l: l, hub: h, now: time.Now}
}

// attachHistory records every sent and decoded message through st. The queue
// outlives ctx so that close can flush it during shutdown.
func (e *eventSink) attachHistory(ctx context.Context, st historySaver) {
	ctx = context.WithoutCancel(ctx)
	e.history = transport.NewAsyncTx(ctx, sinkQueueSize, func(h historyEntry) error {
		if h.dir == store.DirRX {
			echo, err := st.SeenSince(ctx, store.DirTX, h.text, h.at.Add(-echoWindow))
			if err != nil {
				return err
			}
			if echo {
				metrics.IncEcho()
				e.l.Info("message_echo", "text", h.text)
			}
		}
		_, err := st.Save(ctx, h.dir, h.text)
		return err
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrHistory)
			e.l.Warn("history_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrHistory)
			return nil
		},
	})
}

// attachMQTT mirrors decoded messages to pub. Like the history queue it is
// flushed by close.
func (e *eventSink) attachMQTT(ctx context.Context, pub payloadPublisher) {
	ctx = context.WithoutCancel(ctx)
	e.mqtt = transport.NewAsyncTx(ctx, sinkQueueSize, func(p mqttpub.Payload) error {
		return pub.Publish(ctx, p)
	}, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrMQTT)
			e.l.Warn("mqtt_publish_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrMQTT)
			return nil
		},
	})
}

// close flushes the history and MQTT queues.
func (e *eventSink) close() {
	if e.history != nil {
		e.l.Debug("history_flush", "pending", e.history.Pending())
		e.history.Close()
	}
	if e.mqtt != nil {
		e.l.Debug("mqtt_flush", "pending", e.mqtt.Pending())
		e.mqtt.Close()
	}
}

func (e *eventSink) record(dir store.Direction, text string) {
	if e.history != nil {
		_ = e.history.Send(historyEntry{dir: dir, text: text, at: e.now()})
	}
}

// recordSent is called by the transmit path once a schedule was accepted.
func (e *eventSink) recordSent(text string) { e.record(store.DirTX, text) }

func (e *eventSink) OnPeak(float64, rune) { metrics.IncPeak() }

func (e *eventSink) OnOutOfRange(freq float64) {
	metrics.IncOutOfRange()
	e.l.Debug("peak_out_of_range", "freq", freq)
}

func (e *eventSink) OnSymbol(sym rune) {
	metrics.IncSymbol()
	e.l.Debug("symbol", "char", string(sym))
}

func (e *eventSink) OnStateChange(from, to sonic.State) {
	metrics.SetReceiving(to == sonic.StateReceiving)
	e.l.Debug("decoder_state", "from", from.String(), "to", to.String())
}

func (e *eventSink) OnMessage(msg string) {
	metrics.IncDecoded()
	n := e.hub.Publish(msg)
	e.l.Info("message_decoded", "text", msg, "clients", n)
	e.record(store.DirRX, msg)
	if e.mqtt != nil {
		_ = e.mqtt.Send(mqttpub.Payload{
			Text:       msg,
			Digest:     store.Digest(msg),
			Direction:  string(store.DirRX),
			ReceivedAt: e.now().UTC(),
		})
	}
}

func (e *eventSink) OnTimeout(partial string) {
	metrics.IncTimeout()
	e.l.Info("receive_timeout", "partial", partial)
}

func (e *eventSink) OnAnomaly(err error) {
	e.l.Warn("capture_anomaly", "error", err)
}

var _ sonic.Events = (*eventSink)(nil)

type historyStats interface {
	Count(ctx context.Context, dir store.Direction) (int64, error)
	Recent(ctx context.Context, n int) ([]store.Message, error)
}

// logHistoryOpen reports what an existing history file already holds.
func logHistoryOpen(ctx context.Context, l *slog.Logger, path string, st historyStats) {
	rx, err := st.Count(ctx, store.DirRX)
	if err != nil {
		l.Warn("history_stats_error", "error", err)
		return
	}
	tx, err := st.Count(ctx, store.DirTX)
	if err != nil {
		l.Warn("history_stats_error", "error", err)
		return
	}
	attrs := []any{"path", path, "received", rx, "sent", tx}
	if last, err := st.Recent(ctx, 1); err == nil && len(last) == 1 {
		attrs = append(attrs, "last_dir", string(last[0].Direction), "last_at", last[0].CreatedAt)
	}
	l.Info("history_open", attrs...)
}
