// Package config loads the bridge process configuration from a YAML
// file with environment overrides for container deployments.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "10s" style values from YAML; yaml.v3 has no native
// time.Duration support.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full process configuration.
type Config struct {
	// Listen is the HTTP/WebSocket listen address.
	Listen string `yaml:"listen"`

	// AuthSecret is the HMAC secret for validating client JWTs.
	// Empty disables token validation; all clients are anonymous.
	AuthSecret string `yaml:"auth_secret"`

	// Runtime configures the connection to the backend runtime.
	Runtime RuntimeConfig `yaml:"runtime"`
}

// RuntimeConfig holds the backend runtime RPC settings. The runtime is
// the authoritative owner of state partitions; this process only
// consumes its address and timing knobs.
type RuntimeConfig struct {
	// Addr is the runtime RPC endpoint, host:port.
	Addr string `yaml:"addr"`

	// RequestTimeout bounds each unary bridge call.
	RequestTimeout Duration `yaml:"request_timeout"`

	// StreamInitialBackoff is the first delay before re-issuing a
	// failed event stream.
	StreamInitialBackoff Duration `yaml:"stream_initial_backoff"`

	// StreamMaxBackoff caps the re-issue delay.
	StreamMaxBackoff Duration `yaml:"stream_max_backoff"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen: ":8800",
		Runtime: RuntimeConfig{
			Addr:                 "localhost:50051",
			RequestTimeout:       Duration(10 * time.Second),
			StreamInitialBackoff: Duration(500 * time.Millisecond),
			StreamMaxBackoff:     Duration(30 * time.Second),
		},
	}
}

// Load reads the config file at path, falling back to defaults for
// anything unset. A missing file is not an error; env overrides still
// apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STATEBRIDGE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("STATEBRIDGE_AUTH_SECRET"); v != "" {
		c.AuthSecret = v
	}
	if v := os.Getenv("STATEBRIDGE_RUNTIME_ADDR"); v != "" {
		c.Runtime.Addr = v
	}
	if v := os.Getenv("STATEBRIDGE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Runtime.RequestTimeout = Duration(d)
		}
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Runtime.Addr == "" {
		return fmt.Errorf("runtime addr must not be empty")
	}
	if c.Runtime.RequestTimeout <= 0 {
		return fmt.Errorf("runtime request_timeout must be positive")
	}
	return nil
}
