package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Config is the on-disk configuration for the huddle CLI.
type Config struct {
	// Default config file location
	configFile string

	Network struct {
		// Multicast group the transport bridge broadcasts to.
		MulticastGroup string `json:"multicast_group"`
		// Listen address for the /metrics endpoint.
		MetricsAddress string `json:"metrics_address"`
	} `json:"network"`

	Peer struct {
		Channel  string `json:"channel"`
		Nickname string `json:"nickname"`
	} `json:"peer"`

	Timers struct {
		HealthBeaconMs          int  `json:"health_beacon_ms"`
		GarbageCollectMs        int  `json:"garbage_collect_ms"`
		GarbageThresholdMs      int  `json:"garbage_threshold_ms"`
		DisableGarbageCollector bool `json:"disable_garbage_collector"`
	} `json:"timers"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.MulticastGroup = "224.0.0.1:9999"
	cfg.Network.MetricsAddress = ":9090"

	cfg.Peer.Channel = "lobby"
	cfg.Peer.Nickname = "anonymous"

	cfg.Timers.HealthBeaconMs = 1000
	cfg.Timers.GarbageCollectMs = 2000
	cfg.Timers.GarbageThresholdMs = 5000

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return nil
}

func (c *Config) HealthBeacon() time.Duration {
	return time.Duration(c.Timers.HealthBeaconMs) * time.Millisecond
}

func (c *Config) GarbageCollect() time.Duration {
	return time.Duration(c.Timers.GarbageCollectMs) * time.Millisecond
}

func (c *Config) GarbageThreshold() time.Duration {
	return time.Duration(c.Timers.GarbageThresholdMs) * time.Millisecond
}
