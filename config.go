package balanced

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the full recognized option set for the broker and its
// peripherals. It maps one-to-one onto the YAML file the CLI loads.
type Config struct {
	// Enabled gates the driver. A disabled broker refuses Push and Pop.
	Enabled bool `yaml:"enabled"`

	// Strategy names the partition-selection strategy: "random",
	// "round-robin", "smart", or a custom registered name.
	Strategy string `yaml:"strategy"`

	// Strategies holds per-strategy free-form settings, keyed by name.
	Strategies map[string]map[string]any `yaml:"strategies"`

	// Limiter names the concurrency limiter: "null", "simple",
	// "adaptive", or a custom registered name.
	Limiter string `yaml:"limiter"`

	// Limiters holds per-limiter free-form settings, keyed by name.
	Limiters map[string]map[string]any `yaml:"limiters"`

	// Redis configures the KV target.
	Redis RedisConfig `yaml:"redis"`

	// Prometheus configures the optional metrics endpoint.
	Prometheus PrometheusConfig `yaml:"prometheus"`
}

// RedisConfig points the broker at its KV.
type RedisConfig struct {
	// Connection is the server address, host:port.
	Connection string `yaml:"connection"`

	// Prefix namespaces every key this deployment writes.
	Prefix string `yaml:"prefix"`
}

// PrometheusConfig configures the scrape endpoint.
type PrometheusConfig struct {
	// Enabled turns the endpoint on.
	Enabled bool `yaml:"enabled"`

	// Route is the HTTP path serving the line-protocol body.
	Route string `yaml:"route"`

	// Middleware selects the endpoint gate: "ip_whitelist", "basic_auth",
	// or "" (open).
	Middleware string `yaml:"middleware"`

	// IPWhitelist lists allowed sources: exact addresses or CIDR ranges,
	// v4 and v6.
	IPWhitelist []string `yaml:"ip_whitelist"`

	// BasicAuthUser and BasicAuthPassword back the basic_auth gate.
	BasicAuthUser     string `yaml:"basic_auth_user"`
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Strategy: "round-robin",
		Limiter:  "null",
		Redis: RedisConfig{
			Connection: "localhost:6379",
			Prefix:     "balanced",
		},
		Prometheus: PrometheusConfig{
			Route: "/metrics/balanced-queue",
		},
	}
}

// LoadConfig reads a YAML config file, layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("balanced: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("balanced: parse config: %w", err)
	}
	return cfg, nil
}

// StrategySettings returns the settings bag for the named strategy.
func (c Config) StrategySettings(name string) map[string]any {
	return c.Strategies[name]
}

// LimiterSettings returns the settings bag for the named limiter.
func (c Config) LimiterSettings(name string) map[string]any {
	return c.Limiters[name]
}
