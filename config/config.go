package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// RateLimitConfig parameterizes the token bucket that paces rule-sampled
// traces.
type RateLimitConfig struct {
	MaxTokens        uint32  `toml:"MaxTokens"`
	RefreshIntervalS float64 `toml:"RefreshIntervalSeconds"`
	TokensPerRefresh uint32  `toml:"TokensPerRefresh"`
}

// RefreshInterval returns the configured interval as a duration.
func (r RateLimitConfig) RefreshInterval() time.Duration {
	return time.Duration(r.RefreshIntervalS * float64(time.Second))
}

// Config carries everything a tracer needs to assemble the sampling and
// buffering pipeline. Values are read from a TOML file, then overridden by
// environment variables where those are set.
type Config struct {
	// Service reported on spans that don't set their own.
	Service string `toml:"Service"`
	// Env is the deployment environment tagged on spans.
	Env string `toml:"Env"`
	// AgentURL is the base address of the trace agent.
	AgentURL string `toml:"AgentURL"`
	// Hostname stamped on root spans; empty disables.
	Hostname string `toml:"Hostname"`
	// AnalyticsRate in [0,1]; NaN (the default) disables.
	AnalyticsRate float64 `toml:"AnalyticsRate"`
	// Enabled controls whether completed traces are written out.
	Enabled bool `toml:"Enabled"`
	// OperationNameOverride, when set, replaces every span's operation name
	// before rule matching.
	OperationNameOverride string `toml:"OperationNameOverride"`
	// SamplingRules is the JSON rule list, evaluated in order.
	SamplingRules string `toml:"SamplingRules"`
	// SamplingLimit configures the rule-keep rate limiter.
	SamplingLimit RateLimitConfig `toml:"SamplingLimit"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"LogLevel"`
	// MetricsListenAddr serves Prometheus metrics when non-empty.
	MetricsListenAddr string `toml:"MetricsListenAddr"`
}

// Default returns the configuration used when no file and no environment are
// present: report to a local agent, keep the limiter at 100 traces per
// second, and leave analytics off.
func Default() *Config {
	return &Config{
		AgentURL:      "http://localhost:8126",
		Enabled:       true,
		AnalyticsRate: math.NaN(),
		SamplingLimit: RateLimitConfig{
			MaxTokens:        100,
			RefreshIntervalS: 1.0,
			TokensPerRefresh: 100,
		},
		LogLevel: "info",
	}
}

// Load reads the TOML file at path (when path is non-empty) over the
// defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	c.applyEnv()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRACECORE_SERVICE"); v != "" {
		c.Service = v
	}
	if v := os.Getenv("TRACECORE_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("TRACECORE_AGENT_URL"); v != "" {
		c.AgentURL = v
	}
	if v := os.Getenv("TRACECORE_SAMPLING_RULES"); v != "" {
		c.SamplingRules = v
	}
	if v := os.Getenv("TRACECORE_ANALYTICS_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.AnalyticsRate = rate
		}
	}
	if v := os.Getenv("TRACECORE_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Enabled = enabled
		}
	}
	if v := os.Getenv("TRACECORE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if !math.IsNaN(c.AnalyticsRate) && (c.AnalyticsRate < 0 || c.AnalyticsRate > 1) {
		return fmt.Errorf("config: analytics rate %f is outside [0, 1]", c.AnalyticsRate)
	}
	if c.SamplingLimit.RefreshIntervalS <= 0 {
		return fmt.Errorf("config: limiter refresh interval must be positive")
	}
	return nil
}
