package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kstaniek/go-sonic-server/internal/logging"
)

// Prometheus counters
var (
	SpectrumFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spectrum_frames_total",
		Help: "Total spectrum frames processed by the decoder.",
	})
	Peaks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_peaks_total",
		Help: "Total frames with an in-band peak mapped to a symbol.",
	})
	OutOfRangePeaks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_out_of_range_peaks_total",
		Help: "Total peaks outside the band and its tolerance.",
	})
	Symbols = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decoder_symbols_total",
		Help: "Total symbols confirmed by the run-length filter.",
	})
	MessagesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_decoded_total",
		Help: "Total complete messages decoded from the air.",
	})
	MessageEchoes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "message_echoes_total",
		Help: "Total decoded messages matching a recent transmission.",
	})
	ReceiveTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receive_timeouts_total",
		Help: "Total receptions abandoned after the idle timeout.",
	})
	CaptureRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_restarts_total",
		Help: "Total capture restarts requested by the sanity check.",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "messages_sent_total",
		Help: "Total messages encoded and handed to the tone sink.",
	})
	TonesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tones_sent_total",
		Help: "Total tone commands handed to the tone sink.",
	})
	UnknownSymbols = promauto.NewCounter(prometheus.CounterOpts{
		Name: "encode_unknown_symbol_total",
		Help: "Total send requests rejected for characters outside the alphabet.",
	})
	SerialRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_frames_total",
		Help: "Total spectrum frames decoded from the serial link.",
	})
	SerialTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_frames_total",
		Help: "Total tone frames written to the serial link.",
	})
	TCPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_frames_total",
		Help: "Total frames received from TCP clients.",
	})
	TCPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_frames_total",
		Help: "Total frames sent to TCP clients.",
	})
	HubDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_frames_total",
		Help: "Total frames dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	HubBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	HubQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_max",
		Help: "Observed max queued frames among clients since last sample window.",
	})
	HubQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_queue_depth_avg",
		Help: "Approximate average queued frames per client in last sample.",
	})
	DecoderReceiving = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "decoder_receiving",
		Help: "1 while a message is being received, 0 when idle.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, invalid length, truncated).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrHandshake      = "handshake"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrCapture        = "capture"
	ErrToneSink       = "tone_sink"
	ErrHistory        = "history"
	ErrMQTT           = "mqtt"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFrames     uint64
	localPeaks      uint64
	localOOR        uint64
	localSymbols    uint64
	localDecoded    uint64
	localEchoes     uint64
	localTimeouts   uint64
	localRestarts   uint64
	localSent       uint64
	localTones      uint64
	localUnknown    uint64
	localSerialRx   uint64
	localSerialTx   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localErrors     uint64
	localHubClients uint64
	localFanout     uint64
	localMalformed  uint64
	localQDMax      uint64
	localQDAvg      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Frames          uint64
	Peaks           uint64
	OutOfRange      uint64
	Symbols         uint64
	MessagesDecoded uint64
	Echoes          uint64
	Timeouts        uint64
	Restarts        uint64
	MessagesSent    uint64
	TonesSent       uint64
	UnknownSymbols  uint64
	SerialRx        uint64
	SerialTx        uint64
	TCPRx           uint64
	TCPTx           uint64
	HubDrops        uint64
	HubKicks        uint64
	HubRejects      uint64
	Errors          uint64 // sum across error labels
	HubClients      uint64
	Fanout          uint64
	Malformed       uint64
	QueueDepthMax   uint64
	QueueDepthAvg   uint64
}

func Snap() Snapshot {
	return Snapshot{
		Frames:          atomic.LoadUint64(&localFrames),
		Peaks:           atomic.LoadUint64(&localPeaks),
		OutOfRange:      atomic.LoadUint64(&localOOR),
		Symbols:         atomic.LoadUint64(&localSymbols),
		MessagesDecoded: atomic.LoadUint64(&localDecoded),
		Echoes:          atomic.LoadUint64(&localEchoes),
		Timeouts:        atomic.LoadUint64(&localTimeouts),
		Restarts:        atomic.LoadUint64(&localRestarts),
		MessagesSent:    atomic.LoadUint64(&localSent),
		TonesSent:       atomic.LoadUint64(&localTones),
		UnknownSymbols:  atomic.LoadUint64(&localUnknown),
		SerialRx:        atomic.LoadUint64(&localSerialRx),
		SerialTx:        atomic.LoadUint64(&localSerialTx),
		TCPRx:           atomic.LoadUint64(&localTCPRx),
		TCPTx:           atomic.LoadUint64(&localTCPTx),
		HubDrops:        atomic.LoadUint64(&localHubDrop),
		HubKicks:        atomic.LoadUint64(&localHubKick),
		HubRejects:      atomic.LoadUint64(&localHubReject),
		Errors:          atomic.LoadUint64(&localErrors),
		HubClients:      atomic.LoadUint64(&localHubClients),
		Fanout:          atomic.LoadUint64(&localFanout),
		Malformed:       atomic.LoadUint64(&localMalformed),
		QueueDepthMax:   atomic.LoadUint64(&localQDMax),
		QueueDepthAvg:   atomic.LoadUint64(&localQDAvg),
	}
}

func IncFrames() {
	SpectrumFrames.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func IncPeak() {
	Peaks.Inc()
	atomic.AddUint64(&localPeaks, 1)
}

func IncOutOfRange() {
	OutOfRangePeaks.Inc()
	atomic.AddUint64(&localOOR, 1)
}

func IncSymbol() {
	Symbols.Inc()
	atomic.AddUint64(&localSymbols, 1)
}

func IncDecoded() {
	MessagesDecoded.Inc()
	atomic.AddUint64(&localDecoded, 1)
}

func IncEcho() {
	MessageEchoes.Inc()
	atomic.AddUint64(&localEchoes, 1)
}

func IncTimeout() {
	ReceiveTimeouts.Inc()
	atomic.AddUint64(&localTimeouts, 1)
}

func IncRestart() {
	CaptureRestarts.Inc()
	atomic.AddUint64(&localRestarts, 1)
}

// AddSent records one transmitted message made of tones tone commands.
func AddSent(tones int) {
	MessagesSent.Inc()
	TonesSent.Add(float64(tones))
	atomic.AddUint64(&localSent, 1)
	atomic.AddUint64(&localTones, uint64(tones))
}

func IncUnknownSymbol() {
	UnknownSymbols.Inc()
	atomic.AddUint64(&localUnknown, 1)
}

func SetReceiving(on bool) {
	if on {
		DecoderReceiving.Set(1)
		return
	}
	DecoderReceiving.Set(0)
}

func IncSerialRx() {
	SerialRxFrames.Inc()
	atomic.AddUint64(&localSerialRx, 1)
}

func IncSerialTx() {
	SerialTxFrames.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncTCPRx() {
	TCPRxFrames.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxFrames.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedFrames.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	HubBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	HubQueueDepthMax.Set(float64(max))
	HubQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrHandshake,
		ErrSerialRead, ErrSerialWrite, ErrSerialOverflow,
		ErrCapture, ErrToneSink, ErrHistory, ErrMQTT,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
