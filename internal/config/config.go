// Package config loads the hub's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marqueeworks/marquee-hub/internal/content"
	"github.com/marqueeworks/marquee-hub/internal/heartbeat"
	"github.com/marqueeworks/marquee-hub/internal/session"
	"github.com/marqueeworks/marquee-hub/pkg/errors"
)

type Config struct {
	Listen    ListenConfig               `yaml:"listen"`
	Heartbeat HeartbeatConfig            `yaml:"heartbeat"`
	Store     session.StoreConfig        `yaml:"store"`
	Auth      AuthConfig                 `yaml:"auth"`
	Content   map[string]content.Display `yaml:"content"`
	Limits    LimitsConfig               `yaml:"limits"`
}

type ListenConfig struct {
	Address          string   `yaml:"address"`
	ClientEndpoint   string   `yaml:"clientEndpoint"`
	MobileEndpoint   string   `yaml:"mobileEndpoint"`
	AllowAllHosts    bool     `yaml:"allowAllHosts"`
	AllowlistedHosts []string `yaml:"allowlistedHosts"`
	DenylistedHosts  []string `yaml:"denylistedHosts"`
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	// DeviceKeys admit display clients; MobileKeys admit controller apps.
	// An empty list means open registration for that class.
	DeviceKeys []string `yaml:"deviceKeys"`
	MobileKeys []string `yaml:"mobileKeys"`
}

type LimitsConfig struct {
	MaxReadMessageSize int64 `yaml:"maxReadMessageSize"`
	MaxParseErrors     int   `yaml:"maxParseErrors"`
}

func Default() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:        ":4650",
			ClientEndpoint: "/ws/display",
			MobileEndpoint: "/ws/mobile",
			AllowAllHosts:  true,
		},
		Heartbeat: HeartbeatConfig{
			Interval: heartbeat.DefaultInterval,
			Timeout:  heartbeat.DefaultTimeout,
		},
		Store: session.StoreConfig{Type: session.StoreTypeMemory},
		Limits: LimitsConfig{
			MaxReadMessageSize: 1 << 20,
			MaxParseErrors:     3,
		},
	}
}

// Load reads path and unmarshals it over the defaults. A missing file is
// an error; use Default() directly when running without one.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen.Address == "" {
		return &errors.InvalidArgument{Context: "config", Argument: "listen.address", Value: "empty"}
	}
	if c.Heartbeat.Interval <= 0 {
		return &errors.InvalidArgument{Context: "config", Argument: "heartbeat.interval", Value: c.Heartbeat.Interval.String()}
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return &errors.InvalidArgument{
			Context:  "config",
			Argument: "heartbeat.timeout",
			Value:    fmt.Sprintf("%v must exceed interval %v", c.Heartbeat.Timeout, c.Heartbeat.Interval),
		}
	}
	if c.Limits.MaxParseErrors <= 0 {
		return &errors.InvalidArgument{Context: "config", Argument: "limits.maxParseErrors", Value: fmt.Sprintf("%d", c.Limits.MaxParseErrors)}
	}
	return nil
}
