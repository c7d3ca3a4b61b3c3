package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-sonic-server/internal/hub"
	"github.com/kstaniek/go-sonic-server/internal/logging"
	"github.com/kstaniek/go-sonic-server/internal/sonic"
)

const envPrefix = "SONIC_SERVER_"

type appConfig struct {
	// codec
	alphabet       string
	startChar      string
	endChar        string
	freqMin        float64
	freqMax        float64
	freqError      float64
	timeout        time.Duration
	minRun         int
	charDuration   time.Duration
	rampDuration   time.Duration
	historySize    int
	timesSize      int
	peakThreshold  float64
	sanityInterval int

	// capture / playback
	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	wavIn        string
	wavOut       string
	wavLoop      bool
	fftSize      int
	frameRate    int

	// tcp server
	listenAddr   string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	hubBuffer    int
	hubPolicy    string

	// ops
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	historyDB       string
	mqttBroker      string
	mqttTopic       string
	configFile      string
}

// option binds one setting to its flag name (also the YAML key) and its
// SONIC_SERVER_* environment variable. keepSpace disables trimming of
// environment values for settings where whitespace is a valid symbol.
type option struct {
	name       string
	allowEmpty bool
	keepSpace  bool
	apply      func(c *appConfig, v string) error
}

func (o option) envKey() string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(o.name, "-", "_"))
}

func strOpt(name string, dst func(*appConfig) *string) option {
	return option{name: name, apply: func(c *appConfig, v string) error { *dst(c) = v; return nil }}
}

func symbolOpt(name string, dst func(*appConfig) *string) option {
	o := strOpt(name, dst)
	o.keepSpace = true
	return o
}

func intOpt(name string, min int, dst func(*appConfig) *int) option {
	return option{name: name, apply: func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < min {
			return fmt.Errorf("must be >= %d", min)
		}
		*dst(c) = n
		return nil
	}}
}

func floatOpt(name string, dst func(*appConfig) *float64) option {
	return option{name: name, apply: func(c *appConfig, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}}
}

func durOpt(name string, dst func(*appConfig) *time.Duration) option {
	return option{name: name, apply: func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		if d < 0 {
			return errors.New("must be >= 0")
		}
		*dst(c) = d
		return nil
	}}
}

func boolOpt(name string, dst func(*appConfig) *bool) option {
	return option{name: name, apply: func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst(c) = true
		case "0", "false", "no", "off":
			*dst(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}}
}

// options lists every setting reachable from env and the config file.
var options = []option{
	symbolOpt("alphabet", func(c *appConfig) *string { return &c.alphabet }),
	symbolOpt("start-char", func(c *appConfig) *string { return &c.startChar }),
	symbolOpt("end-char", func(c *appConfig) *string { return &c.endChar }),
	floatOpt("freq-min", func(c *appConfig) *float64 { return &c.freqMin }),
	floatOpt("freq-max", func(c *appConfig) *float64 { return &c.freqMax }),
	floatOpt("freq-error", func(c *appConfig) *float64 { return &c.freqError }),
	durOpt("timeout", func(c *appConfig) *time.Duration { return &c.timeout }),
	intOpt("min-run", 0, func(c *appConfig) *int { return &c.minRun }),
	durOpt("char-duration", func(c *appConfig) *time.Duration { return &c.charDuration }),
	durOpt("ramp-duration", func(c *appConfig) *time.Duration { return &c.rampDuration }),
	intOpt("history-size", 1, func(c *appConfig) *int { return &c.historySize }),
	intOpt("times-size", 1, func(c *appConfig) *int { return &c.timesSize }),
	floatOpt("peak-threshold", func(c *appConfig) *float64 { return &c.peakThreshold }),
	intOpt("sanity-interval", 0, func(c *appConfig) *int { return &c.sanityInterval }),

	strOpt("backend", func(c *appConfig) *string { return &c.backend }),
	strOpt("serial", func(c *appConfig) *string { return &c.serialDev }),
	intOpt("baud", 1, func(c *appConfig) *int { return &c.baud }),
	durOpt("serial-read-timeout", func(c *appConfig) *time.Duration { return &c.serialReadTO }),
	strOpt("wav-in", func(c *appConfig) *string { return &c.wavIn }),
	strOpt("wav-out", func(c *appConfig) *string { return &c.wavOut }),
	boolOpt("wav-loop", func(c *appConfig) *bool { return &c.wavLoop }),
	intOpt("fft-size", 1, func(c *appConfig) *int { return &c.fftSize }),
	intOpt("frame-rate", 1, func(c *appConfig) *int { return &c.frameRate }),

	strOpt("listen", func(c *appConfig) *string { return &c.listenAddr }),
	intOpt("max-clients", 0, func(c *appConfig) *int { return &c.maxClients }),
	durOpt("handshake-timeout", func(c *appConfig) *time.Duration { return &c.handshakeTO }),
	durOpt("client-read-timeout", func(c *appConfig) *time.Duration { return &c.clientReadTO }),
	intOpt("hub-buffer", 1, func(c *appConfig) *int { return &c.hubBuffer }),
	strOpt("hub-policy", func(c *appConfig) *string { return &c.hubPolicy }),

	strOpt("log-format", func(c *appConfig) *string { return &c.logFormat }),
	strOpt("log-level", func(c *appConfig) *string { return &c.logLevel }),
	{name: "metrics-addr", allowEmpty: true, apply: func(c *appConfig, v string) error { c.metricsAddr = v; return nil }},
	durOpt("log-metrics-interval", func(c *appConfig) *time.Duration { return &c.logMetricsEvery }),
	boolOpt("mdns-enable", func(c *appConfig) *bool { return &c.mdnsEnable }),
	strOpt("mdns-name", func(c *appConfig) *string { return &c.mdnsName }),
	strOpt("history-db", func(c *appConfig) *string { return &c.historyDB }),
	strOpt("mqtt-broker", func(c *appConfig) *string { return &c.mqttBroker }),
	strOpt("mqtt-topic", func(c *appConfig) *string { return &c.mqttTopic }),
}

func newFlagSet(cfg *appConfig) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("sonic-server", flag.ContinueOnError)
	def := sonic.DefaultConfig()

	fs.StringVar(&cfg.alphabet, "alphabet", def.Alphabet, "Symbol alphabet (sentinels excluded)")
	fs.StringVar(&cfg.startChar, "start-char", string(def.StartChar), "Start-of-message sentinel")
	fs.StringVar(&cfg.endChar, "end-char", string(def.EndChar), "End-of-message sentinel")
	fs.Float64Var(&cfg.freqMin, "freq-min", def.FreqMin, "Lowest carrier frequency (Hz)")
	fs.Float64Var(&cfg.freqMax, "freq-max", def.FreqMax, "Highest carrier frequency (Hz)")
	fs.Float64Var(&cfg.freqError, "freq-error", def.FreqError, "Out-of-band tolerance clamped to the band edge (Hz)")
	fs.DurationVar(&cfg.timeout, "timeout", def.IdleTimeout, "Abandon a reception after this much silence")
	fs.IntVar(&cfg.minRun, "min-run", def.MinRunLength, "A symbol is confirmed when seen in more than this many consecutive frames")
	fs.DurationVar(&cfg.charDuration, "char-duration", def.SymbolDuration, "Tone duration per symbol")
	fs.DurationVar(&cfg.rampDuration, "ramp-duration", def.RampDuration, "Tone fade in/out")
	fs.IntVar(&cfg.historySize, "history-size", def.HistorySize, "Peak history capacity")
	fs.IntVar(&cfg.timesSize, "times-size", def.TimesSize, "Peak time history capacity")
	fs.Float64Var(&cfg.peakThreshold, "peak-threshold", def.PeakThreshold, "Minimum peak magnitude (dB)")
	fs.IntVar(&cfg.sanityInterval, "sanity-interval", def.SanityInterval, "Capture anomaly check every N frames (0 disables)")

	fs.StringVar(&cfg.backend, "backend", "serial", "Capture/playback backend: serial|wav")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.wavIn, "wav-in", "", "WAV file to decode (when --backend=wav)")
	fs.StringVar(&cfg.wavOut, "wav-out", "", "Directory receiving transmitted WAV files (when --backend=wav)")
	fs.BoolVar(&cfg.wavLoop, "wav-loop", false, "Replay wav-in from the start when it ends")
	fs.IntVar(&cfg.fftSize, "fft-size", 2048, "FFT size for WAV capture (power of two)")
	fs.IntVar(&cfg.frameRate, "frame-rate", 60, "Spectrum frames per second for WAV capture")

	fs.StringVar(&cfg.listenAddr, "listen", ":20100", "TCP listen address")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")

	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default sonic-server-<hostname>)")
	fs.StringVar(&cfg.historyDB, "history-db", "", "SQLite file recording sent and received messages; empty disables")
	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", "", "MQTT broker URL (tcp://host:1883) for decoded messages; empty disables")
	fs.StringVar(&cfg.mqttTopic, "mqtt-topic", "sonic/messages", "MQTT topic for decoded messages")
	fs.StringVar(&cfg.configFile, "config", "", "YAML config file (keys are flag names)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	return fs, showVersion
}

func parseFlags() (*appConfig, bool) {
	cfg, showVersion, err := parseArgs(os.Args[1:])
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Printf("configuration error: %v\n", err)
		}
		return nil, showVersion
	}
	return cfg, showVersion
}

// parseArgs resolves settings with precedence flags > env > config file > defaults.
func parseArgs(args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs, showVersion := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if cfg.configFile == "" {
		if v, ok := os.LookupEnv(envPrefix + "CONFIG"); ok {
			cfg.configFile = strings.TrimSpace(v)
		}
	}
	if cfg.configFile != "" {
		f, err := os.Open(cfg.configFile)
		if err != nil {
			return nil, false, fmt.Errorf("config file: %w", err)
		}
		err = applyFile(cfg, f, setFlags)
		_ = f.Close()
		if err != nil {
			return nil, false, fmt.Errorf("config file %s: %w", cfg.configFile, err)
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// applyFile reads a flat YAML mapping of flag names to values. Keys already
// set on the command line are skipped; unknown keys are an error.
func applyFile(c *appConfig, r io.Reader, set map[string]struct{}) error {
	raw := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	byName := make(map[string]option, len(options))
	for _, o := range options {
		byName[o.name] = o
	}
	for k, v := range raw {
		o, ok := byName[k]
		if !ok {
			return fmt.Errorf("unknown key %q", k)
		}
		if _, isSet := set[k]; isSet {
			continue
		}
		s := ""
		if v != nil {
			s = fmt.Sprint(v)
		}
		if s == "" && !o.allowEmpty {
			continue
		}
		if err := o.apply(c, s); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	return nil
}

// applyEnvOverrides maps SONIC_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Values are trimmed except for the alphabet and sentinel characters.
// Durations use Go time.ParseDuration format. The first parse error is
// returned after all variables are applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, o := range options {
		if _, ok := set[o.name]; ok {
			continue
		}
		v, ok := os.LookupEnv(o.envKey())
		if !ok {
			continue
		}
		if !o.keepSpace {
			v = strings.TrimSpace(v)
		}
		if v == "" && !o.allowEmpty {
			continue
		}
		if err := o.apply(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", o.envKey(), err)
		}
	}
	return firstErr
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, ok := logging.ParseLevel(c.logLevel); !ok {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial device required for backend serial")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	case "wav":
		if c.wavOut == "" {
			return errors.New("wav-out required for backend wav")
		}
		if c.fftSize < 32 || c.fftSize&(c.fftSize-1) != 0 {
			return fmt.Errorf("fft-size must be a power of two >= 32 (got %d)", c.fftSize)
		}
		if c.frameRate <= 0 {
			return fmt.Errorf("frame-rate must be > 0 (got %d)", c.frameRate)
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.mqttBroker != "" && c.mqttTopic == "" {
		return errors.New("mqtt-topic required when mqtt-broker is set")
	}
	if _, err := c.codecConfig(); err != nil {
		return err
	}
	return nil
}

// codecConfig builds the codec parameters and validates them.
func (c *appConfig) codecConfig() (sonic.Config, error) {
	sc := sonic.DefaultConfig()
	start, err := singleRune("start-char", c.startChar)
	if err != nil {
		return sc, err
	}
	end, err := singleRune("end-char", c.endChar)
	if err != nil {
		return sc, err
	}
	sc.Alphabet = c.alphabet
	sc.StartChar = start
	sc.EndChar = end
	sc.FreqMin = c.freqMin
	sc.FreqMax = c.freqMax
	sc.FreqError = c.freqError
	sc.IdleTimeout = c.timeout
	sc.MinRunLength = c.minRun
	sc.SymbolDuration = c.charDuration
	sc.RampDuration = c.rampDuration
	sc.HistorySize = c.historySize
	sc.TimesSize = c.timesSize
	sc.PeakThreshold = c.peakThreshold
	sc.SanityInterval = c.sanityInterval
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func singleRune(name, s string) (rune, error) {
	if utf8.RuneCountInString(s) != 1 {
		return 0, fmt.Errorf("%s must be exactly one character (got %q)", name, s)
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r, nil
}
