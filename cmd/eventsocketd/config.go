package main

import (
	"flag"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/luciancaetano/eventsocket/ws"
)

// options is the daemon configuration before it is turned into a
// ws.ServerConfig.
type options struct {
	Addr              string
	QueueDir          string
	QueuePollInterval time.Duration
	QueueBatchSize    int
	MaxConnections    int
	MaxFrameSize      int64
	RateLimit         float64
	RateBurst         int
	Debug             bool
}

func defaultOptions() options {
	cfg := ws.DefaultConfig()
	rl := ws.DefaultRateLimitConfig()
	return options{
		Addr:              cfg.Addr,
		QueuePollInterval: cfg.QueuePollInterval,
		QueueBatchSize:    cfg.QueueBatchSize,
		MaxFrameSize:      cfg.MaxFrameSize,
		RateLimit:         float64(rl.MessagesPerSecond),
		RateBurst:         rl.Burst,
	}
}

// optionsFromEnv starts from the defaults and applies EVENTSOCKET_*
// variables. Unparseable or non-positive values keep the default.
func optionsFromEnv(getenv func(string) string) options {
	opts := defaultOptions()

	if addr := getenv("EVENTSOCKET_ADDR"); addr != "" {
		opts.Addr = addr
	}
	if dir := getenv("EVENTSOCKET_QUEUE_DIR"); dir != "" {
		opts.QueueDir = dir
	}
	if v := getenv("EVENTSOCKET_QUEUE_POLL_INTERVAL"); v != "" {
		opts.QueuePollInterval = parseDuration(v, opts.QueuePollInterval)
	}
	if v := getenv("EVENTSOCKET_QUEUE_BATCH_SIZE"); v != "" {
		opts.QueueBatchSize = parseIntValue(v, opts.QueueBatchSize)
	}
	if v := getenv("EVENTSOCKET_MAX_CONNECTIONS"); v != "" {
		opts.MaxConnections = parseIntValue(v, opts.MaxConnections)
	}
	if v := getenv("EVENTSOCKET_MAX_FRAME_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			opts.MaxFrameSize = n
		}
	}
	// A rate of zero disables limiting.
	if v := getenv("EVENTSOCKET_RATE_LIMIT"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 {
			opts.RateLimit = r
		}
	}
	if v := getenv("EVENTSOCKET_RATE_BURST"); v != "" {
		opts.RateBurst = parseIntValue(v, opts.RateBurst)
	}
	if v := getenv("EVENTSOCKET_DEBUG"); v != "" {
		opts.Debug, _ = strconv.ParseBool(v)
	}

	return opts
}

// parseFlags overrides opts with command line flags.
func parseFlags(fs *flag.FlagSet, args []string, opts options) (options, error) {
	fs.StringVar(&opts.Addr, "addr", opts.Addr, "listen address")
	fs.StringVar(&opts.QueueDir, "queue-dir", opts.QueueDir, "event queue directory; empty disables the queue")
	fs.DurationVar(&opts.QueuePollInterval, "queue-poll", opts.QueuePollInterval, "event queue poll interval")
	fs.IntVar(&opts.QueueBatchSize, "queue-batch", opts.QueueBatchSize, "max queued events broadcast per poll")
	fs.IntVar(&opts.MaxConnections, "max-connections", opts.MaxConnections, "max concurrent sockets, 0 for no cap")
	fs.Int64Var(&opts.MaxFrameSize, "max-frame-size", opts.MaxFrameSize, "max inbound frame payload in bytes")
	fs.Float64Var(&opts.RateLimit, "rate", opts.RateLimit, "inbound messages per second per connection, 0 disables")
	fs.IntVar(&opts.RateBurst, "burst", opts.RateBurst, "inbound message burst per connection")
	fs.BoolVar(&opts.Debug, "debug", opts.Debug, "development logging")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func (o options) serverConfig() ws.ServerConfig {
	cfg := ws.DefaultConfig()
	cfg.Addr = o.Addr
	cfg.QueueDir = o.QueueDir
	cfg.QueuePollInterval = o.QueuePollInterval
	cfg.QueueBatchSize = o.QueueBatchSize
	cfg.MaxConnections = o.MaxConnections
	cfg.MaxFrameSize = o.MaxFrameSize

	if o.RateLimit <= 0 {
		cfg.RateLimitConfig = ws.NoRateLimit()
	} else {
		cfg.RateLimitConfig = &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(o.RateLimit),
			Burst:             o.RateBurst,
			Enabled:           true,
		}
	}
	return cfg
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go durations ("500ms") or whole seconds ("2").
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
