// Package hconfig handles hub configuration loading and defaults, in
// the same shape as the teacher's internal/config package: a YAML file
// with environment-variable expansion, defaults applied after load,
// and validation before use.
package hconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hub configuration (spec §6.3's construction
// options, plus the retry/timeout knobs supplemented from the
// original implementation).
type Config struct {
	Bus      string `yaml:"bus"`
	Label    string `yaml:"label"`
	FastMode bool   `yaml:"fast_mode"`

	CallTimeout     time.Duration `yaml:"call_timeout"`
	DiscoveryGrace  time.Duration `yaml:"discovery_grace"`
	DiscoveryRetry  int           `yaml:"discovery_retries"`
	StreamRetries   int           `yaml:"stream_send_retries"`
	HealthInterval  time.Duration `yaml:"health_check_interval"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	RetryCap        time.Duration `yaml:"retry_cap"`

	LogLevel string `yaml:"log_level"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig configures the real mqttbus Transport. Only consulted
// when FastMode is false.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result (mirrors the teacher's internal/config.Load contract: after
// Load returns successfully every field is usable without further
// nil/zero checks).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hconfig: validate: %w", err)
	}
	return cfg, nil
}

// Default returns a default configuration suitable for fast-mode,
// in-process operation (no broker required). All defaults applied.
func Default() *Config {
	cfg := &Config{FastMode: true}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields with the spec's documented
// defaults (§6.3: call timeout 30s; discovery grace 100-500ms,
// 3 retries; stream send 3 retries; health check 30s) plus the
// backoff parameters supplemented from the original implementation
// (base 50ms, multiplier 2, cap 2s).
func (c *Config) applyDefaults() {
	if c.Bus == "" {
		c.Bus = "default"
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.DiscoveryGrace == 0 {
		c.DiscoveryGrace = 200 * time.Millisecond
	}
	if c.DiscoveryRetry == 0 {
		c.DiscoveryRetry = 3
	}
	if c.StreamRetries == 0 {
		c.StreamRetries = 3
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.RetryBase == 0 {
		c.RetryBase = 50 * time.Millisecond
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = 2
	}
	if c.RetryCap == 0 {
		c.RetryCap = 2 * time.Second
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.DiscoveryGrace < 100*time.Millisecond || c.DiscoveryGrace > 500*time.Millisecond {
		return fmt.Errorf("discovery_grace %s out of range (100ms-500ms)", c.DiscoveryGrace)
	}
	if c.DiscoveryRetry < 1 {
		return fmt.Errorf("discovery_retries %d must be at least 1", c.DiscoveryRetry)
	}
	if !c.FastMode && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url is required when fast_mode is false")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}
