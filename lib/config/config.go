// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/meshfeed/transport"
)

// EnvVar names the environment variable Load falls back to.
const EnvVar = "MESHFEED_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local machines and test swarms.
	Development Environment = "development"
	// Production is for long-running replicas.
	Production Environment = "production"
)

// Config is the configuration for one meshfeed replica.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment"`

	// Feed is the swarm name. Every replica of a feed uses the same
	// value; it is the rendezvous info hash.
	Feed string `yaml:"feed"`

	// TrackerURL is the WebSocket URL of the rendezvous tracker.
	TrackerURL string `yaml:"tracker_url"`

	// Database is the SQLite file holding the change log.
	// Default: ${HOME}/.cache/meshfeed/<feed>.db
	Database string `yaml:"database"`

	// ReplicaID names this replica in version vectors. Empty means the
	// discovery peer id, which changes every run.
	ReplicaID string `yaml:"replica_id"`

	// ReadKey seals rpc frames. Peers must share it. Empty sends
	// frames in the clear.
	ReadKey string `yaml:"read_key"`

	// MetricsAddress is the listen address for the Prometheus
	// endpoint. Empty disables it.
	MetricsAddress string `yaml:"metrics_address"`

	Log LogConfig `yaml:"log"`

	Discovery DiscoveryConfig `yaml:"discovery"`

	Replication ReplicationConfig `yaml:"replication"`

	// Per-environment overrides, applied after the base config.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	TrackerURL     string     `yaml:"tracker_url,omitempty"`
	Database       string     `yaml:"database,omitempty"`
	MetricsAddress string     `yaml:"metrics_address,omitempty"`
	Log            *LogConfig `yaml:"log,omitempty"`
}

// LogConfig configures the daemon's slog handler.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format"`
}

// DiscoveryConfig configures the discovery engine.
type DiscoveryConfig struct {
	// TargetPeers is how many established peers to aim for.
	// Default: 5
	TargetPeers int `yaml:"target_peers"`

	// OfferTimeout is how long an offer may stay unconnected.
	// Default: 10s
	OfferTimeout time.Duration `yaml:"offer_timeout"`

	// HeartbeatPeriod spaces tracker heartbeats. Default: 1m
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// OfferBackoff is the wait before each successive offer round.
	// Default: [0s, 4m, 12m, 36m, 108m]
	OfferBackoff []time.Duration `yaml:"offer_backoff"`

	// ICEServers are the STUN and TURN servers for new connections.
	// Default: stun:stun.l.google.com:19302
	ICEServers []transport.ICEServer `yaml:"ice_servers"`
}

// ReplicationConfig configures the replication engine.
type ReplicationConfig struct {
	// PollInterval spaces pull rounds. Default: 1s
	PollInterval time.Duration `yaml:"poll_interval"`

	// RequestTimeout bounds each request. Zero disables the bound.
	// Default: 30s
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// Feed and TrackerURL have no default; the config file must set them.
func Default() *Config {
	return &Config{
		Environment: Development,
		Database:    filepath.Join("${HOME}", ".cache", "meshfeed", "${MESHFEED_FEED}.db"),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Discovery: DiscoveryConfig{
			TargetPeers:     5,
			OfferTimeout:    10 * time.Second,
			HeartbeatPeriod: time.Minute,
			OfferBackoff: []time.Duration{
				0,
				4 * time.Minute,
				12 * time.Minute,
				36 * time.Minute,
				108 * time.Minute,
			},
			ICEServers: []transport.ICEServer{{URLs: []string{transport.DefaultSTUNServer}}},
		},
		Replication: ReplicationConfig{
			PollInterval:   time.Second,
			RequestTimeout: 30 * time.Second,
		},
	}
}

// Load loads configuration from path, or from the file named by the
// MESHFEED_CONFIG environment variable when path is empty.
//
// There are no fallbacks: with neither set, Load fails.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your meshfeed.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path.
//
// Files ending in .json or .jsonc have comments and trailing commas
// stripped first; everything else is read as YAML. Environment
// variables do not override config values. The only expansion
// performed is ${HOME}-style variables in the database path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	// A list in the file replaces the default list rather than
	// merging into it element by element.
	c.Discovery.OfferBackoff = nil
	c.Discovery.ICEServers = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	defaults := Default()
	if c.Discovery.OfferBackoff == nil {
		c.Discovery.OfferBackoff = defaults.Discovery.OfferBackoff
	}
	if c.Discovery.ICEServers == nil {
		c.Discovery.ICEServers = defaults.Discovery.ICEServers
	}
	return nil
}

// applyEnvironmentOverrides applies the override section matching
// Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{Log: &LogConfig{Format: "json"}}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.TrackerURL != "" {
		c.TrackerURL = overrides.TrackerURL
	}
	if overrides.Database != "" {
		c.Database = overrides.Database
	}
	if overrides.MetricsAddress != "" {
		c.MetricsAddress = overrides.MetricsAddress
	}
	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in the
// database path.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME":          os.Getenv("HOME"),
		"MESHFEED_FEED": sanitizeFileName(c.Feed),
	}
	c.Database = expandVars(c.Database, vars)
}

// sanitizeFileName maps a feed name to something safe in a path.
func sanitizeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Feed == "" {
		errs = append(errs, fmt.Errorf("feed is required"))
	}

	if c.TrackerURL == "" {
		errs = append(errs, fmt.Errorf("tracker_url is required"))
	} else if u, err := url.Parse(c.TrackerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("tracker_url must be a ws:// or wss:// URL: %q", c.TrackerURL))
	}

	if c.Database == "" {
		errs = append(errs, fmt.Errorf("database is required"))
	}

	if !contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of debug, info, warn, error: %q", c.Log.Level))
	}
	if !contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be text or json: %q", c.Log.Format))
	}

	if c.Discovery.TargetPeers <= 0 {
		errs = append(errs, fmt.Errorf("discovery.target_peers must be positive"))
	}
	if c.Discovery.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("discovery.offer_timeout must be positive"))
	}
	if c.Discovery.HeartbeatPeriod <= 0 {
		errs = append(errs, fmt.Errorf("discovery.heartbeat_period must be positive"))
	}
	if len(c.Discovery.OfferBackoff) == 0 {
		errs = append(errs, fmt.Errorf("discovery.offer_backoff must not be empty"))
	}
	for i, period := range c.Discovery.OfferBackoff {
		if period < 0 {
			errs = append(errs, fmt.Errorf("discovery.offer_backoff[%d] is negative", i))
		}
		if i > 0 && period <= c.Discovery.OfferBackoff[i-1] {
			errs = append(errs, fmt.Errorf("discovery.offer_backoff must increase: [%d]=%s follows %s",
				i, period, c.Discovery.OfferBackoff[i-1]))
		}
	}
	for i, server := range c.Discovery.ICEServers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("discovery.ice_servers[%d] has no urls", i))
		}
	}

	if c.Replication.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("replication.poll_interval must be positive"))
	}
	if c.Replication.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("replication.request_timeout must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the directory holding the database.
func (c *Config) EnsurePaths() error {
	dir := filepath.Dir(c.Database)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
