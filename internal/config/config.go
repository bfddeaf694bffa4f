// Package config loads the engine's static configuration: exchange
// stream tunables, time-series save cadence, and the fixed pair set,
// from a YAML file with documented defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/realHakeen/binance-liquidity-monitor/internal/stream"
)

// Config is the engine's full configuration surface (spec §6).
type Config struct {
	UpdateInterval          string   `yaml:"updateInterval"`
	ReconnectDelayMs        int      `yaml:"reconnectDelay"`
	PingIntervalMs          int      `yaml:"pingInterval"`
	MaxConnectionsPerMinute int      `yaml:"maxConnectionsPerMinute"`
	CoreSaveIntervalMs      int      `yaml:"coreSaveIntervalMs"`
	AdvancedSaveIntervalMs  int      `yaml:"advancedSaveIntervalMs"`
	RedisAddr               string   `yaml:"redisAddr"`
	HTTPAddr                string   `yaml:"httpAddr"`
	Pairs                   []string `yaml:"pairs"`
}

// Default returns the spec's documented defaults with the major-pair
// set as the initial pair list.
func Default() Config {
	return Config{
		UpdateInterval:          string(stream.Interval1000ms),
		ReconnectDelayMs:        5_000,
		PingIntervalMs:          30_000,
		MaxConnectionsPerMinute: 50,
		CoreSaveIntervalMs:      30_000,
		AdvancedSaveIntervalMs:  30_000,
		RedisAddr:               "localhost:6379",
		HTTPAddr:                ":8090",
		Pairs:                   []string{"BTCUSDT", "ETHUSDT"},
	}
}

// Load reads and parses a YAML config file over Default(): any field
// the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// StreamConfig converts the loaded config into stream.Config.
func (c Config) StreamConfig() stream.Config {
	interval := stream.UpdateInterval(c.UpdateInterval)
	switch interval {
	case stream.Interval1000ms, stream.Interval100ms, stream.Interval500ms:
	default:
		interval = stream.Interval1000ms
	}
	return stream.Config{
		UpdateInterval:          interval,
		ReconnectDelay:          time.Duration(c.ReconnectDelayMs) * time.Millisecond,
		PingInterval:            time.Duration(c.PingIntervalMs) * time.Millisecond,
		MaxConnectionsPerMinute: c.MaxConnectionsPerMinute,
		InitTimeout:             30 * time.Second,
	}
}

// CoreCadence returns the core time-series save interval.
func (c Config) CoreCadence() time.Duration {
	return time.Duration(c.CoreSaveIntervalMs) * time.Millisecond
}

// AdvancedCadence returns the advanced time-series save interval.
func (c Config) AdvancedCadence() time.Duration {
	return time.Duration(c.AdvancedSaveIntervalMs) * time.Millisecond
}
