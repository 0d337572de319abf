// Package config loads gateway configuration from defaults, an optional
// YAML file, and BOXGATE_* environment overrides, in that order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the gateway's runtime configuration. Timeouts are plain
// seconds so they survive YAML, env strings, and zero values uniformly;
// use the accessor methods for time.Duration.
type Config struct {
	Listen       string `koanf:"listen" validate:"required"`
	DataDir      string `koanf:"data_dir" validate:"required"`
	PublicURL    string `koanf:"public_url" validate:"required,url"`
	ServiceToken string `koanf:"service_token" validate:"required,min=32"`

	Redis    RedisConfig    `koanf:"redis"`
	Provider ProviderConfig `koanf:"provider"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Agent    AgentConfig    `koanf:"agent"`
	Timers   TimersConfig   `koanf:"timers"`
}

type RedisConfig struct {
	URL string `koanf:"url" validate:"required"`
}

type ProviderConfig struct {
	// Default names the provider used for sessions whose row does not
	// carry one.
	Default string             `koanf:"default" validate:"required"`
	Fake    FakeProviderConfig `koanf:"fake"`
}

// FakeProviderConfig tunes the in-process provider used for local
// development and tests.
type FakeProviderConfig struct {
	TunnelURL  string `koanf:"tunnel_url"`
	TTLSeconds int    `koanf:"ttl_seconds"`
}

// ArchiveConfig enables transcript archiving when Bucket is non-empty.
type ArchiveConfig struct {
	Bucket   string `koanf:"bucket"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// AgentConfig carries defaults for base-snapshot resolution of scratch
// sessions (configuration-backed sessions bring their own).
type AgentConfig struct {
	BaseSnapshotKey string `koanf:"base_snapshot_key" validate:"required"`
	AppName         string `koanf:"app_name" validate:"required"`
}

type TimersConfig struct {
	OwnerLeaseTTLSeconds    int   `koanf:"owner_lease_ttl_seconds" validate:"min=3"`
	RuntimeLeaseTTLSeconds  int   `koanf:"runtime_lease_ttl_seconds" validate:"min=3"`
	IdleDelaySeconds        int   `koanf:"idle_delay_seconds" validate:"min=1"`
	HeartbeatTimeoutSeconds int   `koanf:"heartbeat_timeout_seconds" validate:"min=1"`
	ReadTimeoutSeconds      int   `koanf:"read_timeout_seconds" validate:"min=1"`
	SweepIntervalSeconds    int   `koanf:"sweep_interval_seconds" validate:"min=1"`
	ExpiryPollSeconds       int   `koanf:"expiry_poll_seconds" validate:"min=1"`
	ReconnectDelaysSeconds  []int `koanf:"reconnect_delays_seconds" validate:"required,min=1,dive,min=1"`
}

func (t TimersConfig) OwnerLeaseTTL() time.Duration   { return seconds(t.OwnerLeaseTTLSeconds) }
func (t TimersConfig) RuntimeLeaseTTL() time.Duration { return seconds(t.RuntimeLeaseTTLSeconds) }
func (t TimersConfig) IdleDelay() time.Duration       { return seconds(t.IdleDelaySeconds) }
func (t TimersConfig) HeartbeatTimeout() time.Duration {
	return seconds(t.HeartbeatTimeoutSeconds)
}
func (t TimersConfig) ReadTimeout() time.Duration   { return seconds(t.ReadTimeoutSeconds) }
func (t TimersConfig) SweepInterval() time.Duration { return seconds(t.SweepIntervalSeconds) }
func (t TimersConfig) ExpiryPoll() time.Duration    { return seconds(t.ExpiryPollSeconds) }

// ReconnectDelays returns the reconnect backoff vector; attempts beyond its
// length reuse the final entry.
func (t TimersConfig) ReconnectDelays() []time.Duration {
	out := make([]time.Duration, len(t.ReconnectDelaysSeconds))
	for i, s := range t.ReconnectDelaysSeconds {
		out[i] = seconds(s)
	}
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func defaults() map[string]any {
	return map[string]any{
		"listen":   ":8080",
		"data_dir": "/var/lib/boxgate",

		"provider.default":          "fake",
		"provider.fake.ttl_seconds": 3600,

		"agent.base_snapshot_key": "default",
		"agent.app_name":          "boxgate",

		"timers.owner_lease_ttl_seconds":   30,
		"timers.runtime_lease_ttl_seconds": 60,
		"timers.idle_delay_seconds":        300,
		"timers.heartbeat_timeout_seconds": 90,
		"timers.read_timeout_seconds":      120,
		"timers.sweep_interval_seconds":    900,
		"timers.expiry_poll_seconds":       1,
		"timers.reconnect_delays_seconds":  []int{1, 2, 5, 10, 30},
	}
}

// Load builds a Config from defaults, the optional YAML file at path, and
// BOXGATE_* environment variables ("__" maps to nesting, e.g.
// BOXGATE_REDIS__URL -> redis.url). The result is validated.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider("BOXGATE_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "BOXGATE_")), "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Timers.RuntimeLeaseTTLSeconds < c.Timers.OwnerLeaseTTLSeconds {
		return fmt.Errorf("validate config: runtime lease TTL must be >= owner lease TTL")
	}
	if c.Archive.Bucket != "" && c.Archive.Region == "" && c.Archive.Endpoint == "" {
		return fmt.Errorf("validate config: archive.region or archive.endpoint required with archive.bucket")
	}
	return nil
}

// ArchiveEnabled reports whether transcript archiving is configured.
func (c *Config) ArchiveEnabled() bool { return c.Archive.Bucket != "" }
