package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides: BOTKIT_HTTP_ADDR
// overrides http.addr.
const EnvPrefix = "BOTKIT"

// overridable lists the keys that environment variables and flags may set.
var overridable = []string{
	"log.level",
	"http.addr",
	"bus.backend",
	"bus.nats.url",
	"store.backend",
	"store.redis.addr",
	"store.redis.password",
	"telemetry.endpoint",
	"telemetry.events",
	"telemetry.events_target",
	"lifecycle.autostart",
}

// NewViper returns a viper instance reading BOTKIT_* variables for every
// overridable key.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range overridable {
		_ = v.BindEnv(key)
	}
	return v
}

// BindFlag binds a command line flag to an overridable key.
func BindFlag(v *viper.Viper, key string, flag *pflag.Flag) error {
	if flag == nil {
		return nil
	}
	return v.BindPFlag(key, flag)
}

// Apply copies every override set in v onto cfg and revalidates. Flags
// take precedence over environment variables, which take precedence over
// the file.
func Apply(cfg *Config, v *viper.Viper) error {
	set := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	set("log.level", &cfg.Log.Level)
	set("http.addr", &cfg.HTTP.Addr)
	set("bus.backend", &cfg.Bus.Backend)
	set("bus.nats.url", &cfg.Bus.NATS.URL)
	set("store.backend", &cfg.Store.Backend)
	set("store.redis.addr", &cfg.Store.Redis.Addr)
	set("store.redis.password", &cfg.Store.Redis.Password)
	set("telemetry.endpoint", &cfg.Telemetry.Endpoint)
	set("telemetry.events", &cfg.Telemetry.Events)
	set("telemetry.events_target", &cfg.Telemetry.EventsTarget)
	if v.IsSet("lifecycle.autostart") {
		cfg.Lifecycle.Autostart = v.GetBool("lifecycle.autostart")
	}
	return cfg.Validate()
}
