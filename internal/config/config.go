// Package config handles tunzymd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tunzymd/config.yaml, /etc/tunzymd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tunzymd", "config.yaml"))
	}

	paths = append(paths, "/etc/tunzymd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all tunzymd configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Owner      OwnerConfig      `yaml:"owner"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Content    ContentConfig    `yaml:"content"`
	Transcoder TranscoderConfig `yaml:"transcoder"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	MenuImage  string           `yaml:"menu_image"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the pairing HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// OwnerConfig identifies the bot owner. Number is compared against sender
// identities by normalized-digit containment.
type OwnerConfig struct {
	Number string `yaml:"number"`
	Name   string `yaml:"name"`
}

// GatewayConfig defines the connection to the messaging-platform gateway
// daemon. The daemon speaks the opaque platform protocol; tunzymd only
// talks JSON frames over a websocket to it.
type GatewayConfig struct {
	URL   string `yaml:"url"`   // e.g. ws://localhost:8777/ws
	Token string `yaml:"token"` // shared secret for the gateway, optional
}

// ContentConfig defines the third-party content API used by the .ai, .ig
// and .tiktok commands. Absence disables those commands with a warning at
// startup, not a hard failure.
type ContentConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether the content API can be used.
func (c ContentConfig) Configured() bool {
	return c.BaseURL != ""
}

// TranscoderConfig defines the external media transcode service used by
// the .s/.sticker and .hd commands.
type TranscoderConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether the transcode service can be used.
func (c TranscoderConfig) Configured() bool {
	return c.URL != ""
}

// MQTTConfig defines the optional operational status publisher.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if cfg.Owner.Number == "" {
		return nil, fmt.Errorf("config: owner.number is required")
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 3000},
		DataDir:   "data",
		MenuImage: "botpic.jpg",
		MQTT: MQTTConfig{
			DeviceName:         "tunzymd",
			PublishIntervalSec: 60,
		},
	}
}
