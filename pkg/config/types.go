package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config represents the persistent sipfork configuration stored as config.toml
// in the .sipfork/ directory. The TOML layout uses sections for logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	Router      RouterConfig      `toml:"router"`
	Push        PushConfig        `toml:"push"`
	SIP         SIPConfig         `toml:"sip"`
	API         APIConfig         `toml:"api"`
	Client      ClientConfig      `toml:"client"`
	EventStream EventStreamConfig `toml:"eventstream"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// StorageConfig selects where evicted forks are written.
type StorageConfig struct {
	// Driver is one of "inmemory", "sqlite" or "postgres".
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// RouterConfig holds fork and eviction settings. Durations are Go duration
// strings ("30s", "168h").
type RouterConfig struct {
	ForkLate        bool   `toml:"fork_late"`
	DeliveryTimeout string `toml:"delivery_timeout,omitempty"`
	EvictAfter      string `toml:"evict_after,omitempty"`
	SweepInterval   string `toml:"sweep_interval,omitempty"`
	Workers         uint   `toml:"workers,omitempty"`
	QueueSize       uint   `toml:"queue_size,omitempty"`
}

// PushConfig holds push notification settings.
type PushConfig struct {
	// Service is "log" or "kafka".
	Service string `toml:"service,omitempty"`
	Topic   string `toml:"topic,omitempty"`

	// CallInterval of "0s" disables call push repetition.
	CallInterval   string `toml:"call_interval,omitempty"`
	RingingTimeout string `toml:"ringing_timeout,omitempty"`
}

// SIPConfig holds the settings of the relay to the SIP edge proxy.
type SIPConfig struct {
	// Topic receives outgoing requests, cancels and final responses.
	// Relayed traffic is only logged when eventstream.brokers is empty.
	Topic string `toml:"topic,omitempty"`
}

// APIConfig holds admin API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// ClientConfig holds settings for CLI commands that connect to a running
// instance (e.g. sipfork status). Values are full URLs.
type ClientConfig struct {
	APITarget string `toml:"api_target,omitempty"`
}

// EventStreamConfig holds the Kafka settings of fork lifecycle events.
// Events are not published when Brokers is empty.
type EventStreamConfig struct {
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// TelemetryConfig holds OpenTelemetry settings. Tracing is disabled when
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint,omitempty"`
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func stringKey(field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error { *field(c) = v; return nil },
	}
}

func oneOfKey(key string, allowed []string, field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			for _, a := range allowed {
				if v == a {
					*field(c) = v
					return nil
				}
			}
			return fmt.Errorf("invalid value for %s: %q (allowed: %s)", key, v, strings.Join(allowed, ", "))
		},
	}
}

func durationKey(key string, field func(c *Config) *string) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string { return *field(c) },
		set: func(c *Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			if d < 0 {
				return fmt.Errorf("invalid value for %s: negative duration", key)
			}
			*field(c) = v
			return nil
		},
	}
}

func uintKey(key string, field func(c *Config) *uint) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if *field(c) == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(*field(c)), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			*field(c) = uint(n)
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.driver": oneOfKey("storage.driver", StorageDrivers(),
		func(c *Config) *string { return &c.Storage.Driver }),
	"storage.sqlite_path":  stringKey(func(c *Config) *string { return &c.Storage.SQLitePath }),
	"storage.postgres_dsn": stringKey(func(c *Config) *string { return &c.Storage.PostgresDSN }),

	"router.fork_late": {
		get: func(c *Config) string { return strconv.FormatBool(c.Router.ForkLate) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for router.fork_late: %w", err)
			}
			c.Router.ForkLate = b
			return nil
		},
	},
	"router.delivery_timeout": durationKey("router.delivery_timeout",
		func(c *Config) *string { return &c.Router.DeliveryTimeout }),
	"router.evict_after": durationKey("router.evict_after",
		func(c *Config) *string { return &c.Router.EvictAfter }),
	"router.sweep_interval": durationKey("router.sweep_interval",
		func(c *Config) *string { return &c.Router.SweepInterval }),
	"router.workers":    uintKey("router.workers", func(c *Config) *uint { return &c.Router.Workers }),
	"router.queue_size": uintKey("router.queue_size", func(c *Config) *uint { return &c.Router.QueueSize }),

	"push.service": oneOfKey("push.service", PushServices(),
		func(c *Config) *string { return &c.Push.Service }),
	"push.topic": stringKey(func(c *Config) *string { return &c.Push.Topic }),
	"push.call_interval": durationKey("push.call_interval",
		func(c *Config) *string { return &c.Push.CallInterval }),
	"push.ringing_timeout": durationKey("push.ringing_timeout",
		func(c *Config) *string { return &c.Push.RingingTimeout }),

	"sip.topic": stringKey(func(c *Config) *string { return &c.SIP.Topic }),

	"api.listen":        stringKey(func(c *Config) *string { return &c.API.Listen }),
	"client.api_target": stringKey(func(c *Config) *string { return &c.Client.APITarget }),

	"eventstream.brokers": {
		get: func(c *Config) string { return strings.Join(c.EventStream.Brokers, ",") },
		set: func(c *Config, v string) error {
			c.EventStream.Brokers = SplitList(v)
			return nil
		},
	},
	"eventstream.topic": stringKey(func(c *Config) *string { return &c.EventStream.Topic }),

	"telemetry.otlp_endpoint": stringKey(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint }),
}

// SplitList splits a comma or space separated list, dropping empty items.
func SplitList(v string) []string {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
