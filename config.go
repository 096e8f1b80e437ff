package offlinecache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultInstallConcurrency = 4
	defaultDrainInterval      = 30 * time.Second
)

type Config struct {
	// Origin is the application origin, eg. http://localhost:5000. Root-relative manifest
	// entries resolve against it and only its responses are written through to the store.
	Origin string `yaml:"origin"`

	// CacheableOrigins lists additional hosts whose responses may be written through,
	// eg. a CDN serving stylesheets listed in the manifest.
	CacheableOrigins []string `yaml:"cacheable_origins"`

	// Manifest is the list of resources fetched at install. Every entry must resolve with
	// a 2xx response for the install to succeed.
	Manifest []string `yaml:"manifest"`

	Rules           []Rule   `yaml:"rules"`
	DefaultStrategy Strategy `yaml:"default_strategy"`

	// InstallConcurrency bounds the parallel manifest fetches.
	InstallConcurrency int `yaml:"install_concurrency"`

	// MaxReplayAttempts discards a deferred task once it has failed this many times.
	// Zero keeps retrying forever.
	MaxReplayAttempts int `yaml:"max_replay_attempts"`

	// DrainInterval is the period of the background drain. Failed drains back off
	// exponentially up to MaxDrainInterval.
	DrainInterval    time.Duration `yaml:"drain_interval"`
	MaxDrainInterval time.Duration `yaml:"max_drain_interval"`

	// ReplayInterval is the minimum gap between two replayed tasks. Zero disables throttling.
	ReplayInterval time.Duration `yaml:"replay_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultStrategy:    NetworkFirst,
		InstallConcurrency: defaultInstallConcurrency,
		DrainInterval:      defaultDrainInterval,
		MaxDrainInterval:   10 * defaultDrainInterval,
	}
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	origin, err := c.originURL()
	if err != nil {
		return err
	}
	for i, ref := range c.Manifest {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("manifest[%d]: url required", i)
		}
		if _, err := ResolveIdentity(origin, ref); err != nil {
			return fmt.Errorf("manifest[%d]: %w", i, err)
		}
	}
	for i, rule := range c.Rules {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("rules[%d]: pattern required", i)
		}
	}
	if c.InstallConcurrency < 0 {
		return fmt.Errorf("install_concurrency must be >= 0")
	}
	if c.MaxReplayAttempts < 0 {
		return fmt.Errorf("max_replay_attempts must be >= 0")
	}
	if c.DrainInterval < 0 || c.MaxDrainInterval < 0 || c.ReplayInterval < 0 {
		return fmt.Errorf("intervals must be >= 0")
	}
	return nil
}

// Policy returns the routing policy described by the configuration.
func (c Config) Policy() RoutingPolicy {
	rules := make([]Rule, len(c.Rules))
	copy(rules, c.Rules)
	return RoutingPolicy{Rules: rules, Default: c.DefaultStrategy}
}

func (c Config) originURL() (*url.URL, error) {
	if strings.TrimSpace(c.Origin) == "" {
		return nil, nil
	}
	u, err := url.Parse(strings.TrimSpace(c.Origin))
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute url", c.Origin)
	}
	return u, nil
}

// cacheableHosts returns the lower-cased hosts eligible for write-through. A nil
// result means no origin was configured and every host is eligible.
func (c Config) cacheableHosts() map[string]struct{} {
	origin, err := c.originURL()
	if err != nil || origin == nil {
		return nil
	}
	hosts := map[string]struct{}{normalizedHost(origin): {}}
	for _, h := range c.CacheableOrigins {
		h = strings.TrimSpace(h)
		if u, err := url.Parse(h); err == nil && u.Host != "" {
			h = normalizedHost(u)
		}
		if h != "" {
			hosts[strings.ToLower(h)] = struct{}{}
		}
	}
	return hosts
}
