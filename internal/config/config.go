// Package config loads runtime settings from the environment, optionally
// overlaid by a YAML file.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is everything the binaries read from the outside world.
type Config struct {
	// Mode selects the binary role: "relay" or "rooms".
	Mode string `yaml:"mode"`
	Port int    `yaml:"port"`
	// AuthToken, when set, gates the bridge surface with a bearer token.
	AuthToken string `yaml:"authToken"`
	Verbose   bool   `yaml:"verbose"`

	RateLimit      int           `yaml:"rateLimit"`
	RateWindow     time.Duration `yaml:"rateWindow"`
	MaxConnections int           `yaml:"maxConnections"`

	// Overlay selection
	OverlayStrategy  string `yaml:"overlayStrategy"`
	OverlayThreshold int    `yaml:"overlayThreshold"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	// TracingEndpoint, when set, exports dispatch spans.
	TracingEndpoint string `yaml:"tracingEndpoint"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Mode:             "rooms",
		Port:             8080,
		RateLimit:        100,
		RateWindow:       time.Second,
		MaxConnections:   1024,
		OverlayStrategy:  "supernode",
		OverlayThreshold: 32,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// Load reads defaults, then the YAML file at path (if non-empty), then the
// environment. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	if cfg.Verbose && cfg.LogLevel == "info" {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HT_MODE"); v != "" {
		c.Mode = v
	}
	if v := os.Getenv("HT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("HT_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("HT_VERBOSE"); v != "" {
		c.Verbose = v == "1" || v == "true"
	}
	if v := os.Getenv("HT_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit = n
		}
	}
	if v := os.Getenv("HT_RATE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.RateWindow = d
		}
	}
	if v := os.Getenv("HT_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConnections = n
		}
	}
	if v := os.Getenv("HT_OVERLAY"); v != "" {
		c.OverlayStrategy = v
	}
	if v := os.Getenv("HT_OVERLAY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OverlayThreshold = n
		}
	}
	if v := os.Getenv("HT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HT_TRACING_ENDPOINT"); v != "" {
		c.TracingEndpoint = v
	}
}
