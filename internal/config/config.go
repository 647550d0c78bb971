// Package config loads the agent's startup configuration file. The file is
// read once at startup and never reloaded at runtime (spec §6); unrecognized
// keys are rejected (fail-closed), following the teacher's pkg/settings
// load/save pattern generalized from an optional CLI preferences file to a
// required, strictly-validated agent config.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration error, so callers can distinguish a
// fatal config error (spec §6 exit code 1) from other failure classes.
var ErrInvalid = errors.New("config: invalid configuration")

// Config mirrors exactly the recognized option set of spec §6.
type Config struct {
	DeviceID            string   `yaml:"device_id"`
	APIKey              string   `yaml:"api_key"`
	Owner               string   `yaml:"owner"`
	WebsocketURL        string   `yaml:"websocket_url"`
	LogLevel            string   `yaml:"log_level"`
	MetricsIntervalSecs int      `yaml:"metrics_interval_secs"`
	PingIntervalSecs    int      `yaml:"ping_interval_secs"`
	Adapters            []string `yaml:"adapters"`
	Allowlist           []string `yaml:"allowlist"`
	StateDir            string   `yaml:"state_dir"`
}

// recognizedKeys is the fail-closed allowlist of top-level YAML keys. Kept
// in lockstep with the Config struct's `yaml` tags.
var recognizedKeys = map[string]bool{
	"device_id":             true,
	"api_key":               true,
	"owner":                 true,
	"websocket_url":         true,
	"log_level":             true,
	"metrics_interval_secs": true,
	"ping_interval_secs":    true,
	"adapters":              true,
	"allowlist":             true,
	"state_dir":             true,
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// MetricsInterval returns the configured metrics cadence as a duration.
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSecs) * time.Second
}

// PingInterval returns the configured keepalive cadence as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSecs) * time.Second
}

// HasAdapter reports whether the named adapter section is enabled.
func (c *Config) HasAdapter(name string) bool {
	for _, a := range c.Adapters {
		if a == name {
			return true
		}
	}
	return false
}

// Allowed reports whether program is in the exec allowlist (spec §3
// "Command allowlist").
func (c *Config) Allowed(program string) bool {
	for _, p := range c.Allowlist {
		if p == program {
			return true
		}
	}
	return false
}

// Load reads and validates the configuration file at path. Any
// unrecognized key is a fatal config error (exit code 1, spec §6).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrInvalid, err)
	}
	for k := range raw {
		if !recognizedKeys[k] {
			return nil, fmt.Errorf("%w: unrecognized key %q", ErrInvalid, k)
		}
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel:            "info",
		MetricsIntervalSecs: 30,
		PingIntervalSecs:    15,
		StateDir:            "/var/lib/routerd",
	}
}

func (c *Config) validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalid)
	}
	if c.APIKey == "" {
		return fmt.Errorf("%w: api_key is required", ErrInvalid)
	}
	if c.Owner == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	if c.WebsocketURL == "" {
		return fmt.Errorf("%w: websocket_url is required", ErrInvalid)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: invalid log_level %q", ErrInvalid, c.LogLevel)
	}
	if c.MetricsIntervalSecs <= 0 {
		return fmt.Errorf("%w: metrics_interval_secs must be positive", ErrInvalid)
	}
	if c.PingIntervalSecs <= 0 {
		return fmt.Errorf("%w: ping_interval_secs must be positive", ErrInvalid)
	}
	if c.StateDir == "" {
		return fmt.Errorf("%w: state_dir is required", ErrInvalid)
	}
	return nil
}
