package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/leshachaplin/presence/internal/geo"
	"github.com/leshachaplin/presence/internal/ingest"
	"github.com/leshachaplin/presence/internal/ingest/redpanda/producer"
	"github.com/leshachaplin/presence/internal/presence"
	"github.com/leshachaplin/presence/internal/retryhttp"
	appServer "github.com/leshachaplin/presence/internal/server/http"
)

const (
	defaultLogLevel      = "INFO"
	defaultAddr          = ":8080"
	defaultSinkTimeout   = 5 * time.Second
	defaultTopic         = "presence-events"
	defaultConsumerGroup = "presence-tail"
)

// Config is the main config for the application
type Config struct {
	LogLevel      string                 `mapstructure:"log_level"`
	Addr          string                 `mapstructure:"addr"`
	Presence      presence.Config        `mapstructure:"presence"`
	Socket        appServer.SocketConfig `mapstructure:"socket"`
	Geo           geo.Config             `mapstructure:"geo"`
	Sink          Sink                   `mapstructure:"sink"`
	EventProducer producer.Config        `mapstructure:"event_producer"`
	ConsumerGroup string                 `mapstructure:"consumer_group"`
}

type Sink struct {
	Kind string           `mapstructure:"kind"`
	URL  string           `mapstructure:"url"`
	HTTP retryhttp.Config `mapstructure:"http"`
}

// Load reads PRESENCE_* environment variables over the defaults.
func Load() (Config, error) {
	cfg := Config{
		LogLevel: defaultLogLevel,
		Addr:     defaultAddr,
		Sink: Sink{
			Kind: ingest.KindLog,
			HTTP: retryhttp.Config{Timeout: defaultSinkTimeout},
		},
		EventProducer: producer.Config{
			RetryAttempts: 3,
			RetryDelay:    100 * time.Millisecond,
			Topic:         defaultTopic,
		},
		ConsumerGroup: defaultConsumerGroup,
	}

	l := loader{}
	l.str("PRESENCE_LOG_LEVEL", &cfg.LogLevel)
	l.str("PRESENCE_ADDR", &cfg.Addr)

	l.str("PRESENCE_EVENT_SOURCE", &cfg.Presence.Source)
	l.boolean("PRESENCE_REJECT_UNLOCATED", &cfg.Presence.RejectUnlocated)

	l.integer("PRESENCE_SOCKET_SEND_BUFFER", &cfg.Socket.SendBuffer)
	l.duration("PRESENCE_SOCKET_WRITE_WAIT", &cfg.Socket.WriteWait)
	l.duration("PRESENCE_SOCKET_PONG_WAIT", &cfg.Socket.PongWait)
	l.int64("PRESENCE_SOCKET_READ_LIMIT", &cfg.Socket.ReadLimit)
	l.float("PRESENCE_SOCKET_MESSAGE_RATE", &cfg.Socket.MessageRate)
	l.integer("PRESENCE_SOCKET_MESSAGE_BURST", &cfg.Socket.MessageBurst)

	l.str("PRESENCE_GEO_URL", &cfg.Geo.URL)
	l.duration("PRESENCE_GEO_TIMEOUT", &cfg.Geo.Timeout)

	l.str("PRESENCE_SINK_KIND", &cfg.Sink.Kind)
	l.str("PRESENCE_SINK_URL", &cfg.Sink.URL)
	l.duration("PRESENCE_SINK_TIMEOUT", &cfg.Sink.HTTP.Timeout)
	l.integer("PRESENCE_SINK_RETRY_MAX", &cfg.Sink.HTTP.RetryMax)

	l.list("PRESENCE_REDPANDA_BROKERS", &cfg.EventProducer.Brokers)
	l.str("PRESENCE_REDPANDA_TOPIC", &cfg.EventProducer.Topic)
	l.str("PRESENCE_REDPANDA_CONSUMER_GROUP", &cfg.ConsumerGroup)

	if l.err != nil {
		return Config{}, l.err
	}

	cfg.Sink.Kind = strings.ToLower(cfg.Sink.Kind)
	switch cfg.Sink.Kind {
	case ingest.KindLog:
	case ingest.KindHTTP:
		if cfg.Sink.URL == "" {
			return Config{}, fmt.Errorf("PRESENCE_SINK_URL is required for sink kind %q", cfg.Sink.Kind)
		}
	case ingest.KindRedpanda:
		if len(cfg.EventProducer.Brokers) == 0 {
			return Config{}, fmt.Errorf("PRESENCE_REDPANDA_BROKERS is required for sink kind %q", cfg.Sink.Kind)
		}
	default:
		return Config{}, fmt.Errorf("unknown PRESENCE_SINK_KIND %q", cfg.Sink.Kind)
	}

	return cfg, nil
}

// loader keeps the first parse error and ignores every key after it.
type loader struct {
	err error
}

func (l *loader) lookup(key string) (string, bool) {
	if l.err != nil {
		return "", false
	}
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func (l *loader) str(key string, dst *string) {
	if v, ok := l.lookup(key); ok {
		*dst = v
	}
}

func (l *loader) list(key string, dst *[]string) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (l *loader) boolean(key string, dst *bool) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = b
}

func (l *loader) integer(key string, dst *int) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (l *loader) int64(key string, dst *int64) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = n
}

func (l *loader) float(key string, dst *float64) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = f
}

func (l *loader) duration(key string, dst *time.Duration) {
	v, ok := l.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = d
}
