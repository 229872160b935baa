// Package config loads the botkitd configuration file.
//
// The file is TOML. Durations are strings ("30s", "5m"). Every section is
// optional; missing values fall back to each package's defaults.
//
//	[http]
//	addr = ":8080"
//
//	[ratelimit]
//	base_capacity = 20
//	recovery_window = "30s"
//
//	[ratelimit.keys."123456789:ABC"]
//	base = 5
//
//	[store]
//	backend = "redis"
//	[store.redis]
//	addr = "localhost:6379"
//
// Environment variables (BOTKIT_*) and command line flags are layered on
// top with Apply.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/botkit/bus"
	bkerrors "github.com/vinayprograms/botkit/errors"
	"github.com/vinayprograms/botkit/health"
	"github.com/vinayprograms/botkit/lifecycle"
	"github.com/vinayprograms/botkit/logging"
	"github.com/vinayprograms/botkit/ratelimit"
	"github.com/vinayprograms/botkit/shutdown"
	"github.com/vinayprograms/botkit/store"
	"github.com/vinayprograms/botkit/tasks"
	"github.com/vinayprograms/botkit/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = bkerrors.InvalidInput("invalid configuration")

// Config is the daemon configuration.
type Config struct {
	Log       LogConfig        `toml:"log"`
	HTTP      HTTPConfig       `toml:"http"`
	RateLimit ratelimit.Config `toml:"ratelimit"`
	Health    health.Config    `toml:"health"`
	Lifecycle LifecycleConfig  `toml:"lifecycle"`
	Bus       BusConfig        `toml:"bus"`
	Store     StoreConfig      `toml:"store"`
	Telemetry TelemetryConfig  `toml:"telemetry"`
	Shutdown  shutdown.Config  `toml:"shutdown"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `toml:"level"`
}

// HTTPConfig configures the daemon's HTTP server.
type HTTPConfig struct {
	// Addr is the listen address. Default: ":8080"
	Addr string `toml:"addr"`

	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
}

// LifecycleConfig configures the worker manager.
type LifecycleConfig struct {
	lifecycle.Config

	// Autostart restarts workers that were running when the daemon last
	// stopped. Default: true
	Autostart bool `toml:"autostart"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	// Backend is "memory", "nats" or "none". Default: memory
	Backend string `toml:"backend"`

	// BufferSize for memory bus subscriptions. Default: 256
	BufferSize int `toml:"buffer_size"`

	NATS NATSConfig `toml:"nats"`
}

// NATSConfig holds NATS connection settings shared by the bus and the
// NATS store.
type NATSConfig struct {
	URL           string        `toml:"url"`
	Name          string        `toml:"name"`
	Token         string        `toml:"token"`
	User          string        `toml:"user"`
	Password      string        `toml:"password"`
	ReconnectWait time.Duration `toml:"reconnect_wait"`
	MaxReconnects int           `toml:"max_reconnects"`
}

// StoreConfig selects worker persistence.
type StoreConfig struct {
	// Backend is "memory", "redis" or "nats". Default: memory
	Backend string `toml:"backend"`

	Redis RedisConfig `toml:"redis"`

	// Bucket is the JetStream KV bucket for the nats backend.
	// Default: botkit-workers
	Bucket string `toml:"bucket"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// TelemetryConfig configures tracing and event export.
type TelemetryConfig struct {
	// Endpoint is the OTLP endpoint. Tracing is off when empty.
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	Headers     map[string]string `toml:"headers"`
	SampleRatio float64           `toml:"sample_ratio"`
	Debug       bool              `toml:"debug"`

	// Events selects the event exporter: "file", "http" or "noop".
	Events string `toml:"events"`
	// EventsTarget is the file path or URL for the event exporter.
	EventsTarget string `toml:"events_target"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info"},
		HTTP:      HTTPConfig{Addr: ":8080", ReadTimeout: 10 * time.Second, WriteTimeout: 30 * time.Second},
		RateLimit: ratelimit.DefaultConfig(),
		Health:    health.DefaultConfig(),
		Lifecycle: LifecycleConfig{Config: lifecycle.DefaultConfig(), Autostart: true},
		Bus:       BusConfig{Backend: "memory", BufferSize: 256, NATS: NATSConfig{Name: "botkitd", MaxReconnects: -1, ReconnectWait: 2 * time.Second}},
		Store:     StoreConfig{Backend: "memory", Bucket: store.DefaultNATSConfig().Bucket, Redis: RedisConfig{Prefix: store.DefaultRedisPrefix}},
		Telemetry: TelemetryConfig{Protocol: "grpc", Events: "noop"},
		Shutdown:  shutdown.DefaultConfig(),
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, bkerrors.Wrapf(err, "read config %s", path)
	}
	return Parse(string(data))
}

// Parse decodes TOML text over the defaults and validates the result.
// Unknown keys are an error so typos do not pass silently.
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "parse config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, bkerrors.Wrap(ErrInvalidConfig, "unknown keys: "+strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) pulseInterval() time.Duration {
	if c.Lifecycle.PulseInterval == 0 {
		return tasks.DefaultPulseInterval
	}
	return c.Lifecycle.PulseInterval
}

func (c Config) stalenessThreshold() time.Duration {
	if c.Health.StalenessThreshold == 0 {
		return health.DefaultConfig().StalenessThreshold
	}
	return c.Health.StalenessThreshold
}

// Validate checks every section.
func (c Config) Validate() error {
	if !logLevels[strings.ToLower(c.Log.Level)] {
		return bkerrors.Wrap(ErrInvalidConfig, "log.level must be debug, info, warn or error")
	}
	if c.HTTP.Addr == "" {
		return bkerrors.Wrap(ErrInvalidConfig, "http.addr is required")
	}
	if err := c.RateLimit.Validate(); err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "ratelimit")
	}
	if err := c.Health.Validate(); err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "health")
	}
	if err := c.Lifecycle.Validate(); err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "lifecycle")
	}
	if pulse, staleness := c.pulseInterval(), c.stalenessThreshold(); pulse >= staleness {
		return bkerrors.Wrapf(ErrInvalidConfig, "lifecycle.pulse_interval %s must be below health.staleness_threshold %s",
			pulse, staleness)
	}
	if err := c.Shutdown.Validate(); err != nil {
		return bkerrors.WrapWithCode(err, bkerrors.ErrCodeInvalidInput, "shutdown")
	}
	switch c.Bus.Backend {
	case "memory", "none":
	case "nats":
		if c.Bus.NATS.URL == "" {
			return bkerrors.Wrap(ErrInvalidConfig, "bus.nats.url is required for the nats bus")
		}
	default:
		return bkerrors.Wrap(ErrInvalidConfig, "bus.backend must be memory, nats or none")
	}
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return bkerrors.Wrap(ErrInvalidConfig, "store.redis.addr is required for the redis store")
		}
	case "nats":
		if c.Bus.NATS.URL == "" {
			return bkerrors.Wrap(ErrInvalidConfig, "bus.nats.url is required for the nats store")
		}
	default:
		return bkerrors.Wrap(ErrInvalidConfig, "store.backend must be memory, redis or nats")
	}
	switch c.Telemetry.Protocol {
	case "grpc", "http":
	default:
		return bkerrors.Wrap(ErrInvalidConfig, "telemetry.protocol must be grpc or http")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return bkerrors.Wrap(ErrInvalidConfig, "telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

var logLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// LogLevel returns the configured level.
func (c Config) LogLevel() logging.Level {
	return logging.ParseLevel(strings.ToLower(c.Log.Level))
}

// BusNATS returns the NATS bus settings.
func (c Config) BusNATS(logger *logging.Logger) bus.NATSConfig {
	n := bus.DefaultNATSConfig()
	n.BufferSize = c.Bus.BufferSize
	n.Logger = logger
	if c.Bus.NATS.URL != "" {
		n.URL = c.Bus.NATS.URL
	}
	if c.Bus.NATS.Name != "" {
		n.Name = c.Bus.NATS.Name
	}
	if c.Bus.NATS.ReconnectWait > 0 {
		n.ReconnectWait = c.Bus.NATS.ReconnectWait
	}
	n.MaxReconnects = c.Bus.NATS.MaxReconnects
	n.Token = c.Bus.NATS.Token
	n.User = c.Bus.NATS.User
	n.Password = c.Bus.NATS.Password
	return n
}

// UsesNATS reports whether any component needs a NATS connection.
func (c Config) UsesNATS() bool {
	return c.Bus.Backend == "nats" || c.Store.Backend == "nats"
}

// RedisStore returns the Redis store settings.
func (c Config) RedisStore() store.RedisConfig {
	return store.RedisConfig{
		Addr:     c.Store.Redis.Addr,
		Password: c.Store.Redis.Password,
		DB:       c.Store.Redis.DB,
		Prefix:   c.Store.Redis.Prefix,
	}
}

// NATSStore returns the KV store settings bound to conn.
func (c Config) NATSStore(conn *nats.Conn) store.NATSConfig {
	n := store.DefaultNATSConfig()
	n.Conn = conn
	if c.Store.Bucket != "" {
		n.Bucket = c.Store.Bucket
	}
	return n
}

// Tracing returns the OTLP provider settings, or false when tracing is off.
func (c Config) Tracing(version string) (telemetry.ProviderConfig, bool) {
	if c.Telemetry.Endpoint == "" {
		return telemetry.ProviderConfig{}, false
	}
	return telemetry.ProviderConfig{
		ServiceName:    "botkitd",
		ServiceVersion: version,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
		Debug:          c.Telemetry.Debug,
		Headers:        c.Telemetry.Headers,
		SampleRatio:    c.Telemetry.SampleRatio,
	}, true
}
