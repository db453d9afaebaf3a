package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ranchlab/fleethub/core/metrics"
	"github.com/ranchlab/fleethub/core/registry"
	"github.com/ranchlab/fleethub/core/router"
	"github.com/ranchlab/fleethub/infra/mqtt"
)

// Config is the top-level hub configuration.
type Config struct {
	MQTT      mqtt.Config     `json:"mqtt"`
	Registry  registry.Config `json:"registry"`
	Router    router.Config   `json:"router"`
	Metrics   metrics.Config  `json:"metrics"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// TelemetryConfig defines settings for the telemetry aggregator.
type TelemetryConfig struct {
	// WindowSize is the number of readings kept per sensor stream.
	WindowSize int `json:"window_size"`
}

// SetDefaults applies sane defaults.
func (c *TelemetryConfig) SetDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 128
	}
}

// Load reads the configuration file and applies FH_ environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides, e.g. FH_MQTT__BROKER.
	if err := k.Load(env.Provider("FH_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "fh_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.MQTT.SetDefaults()
	cfg.Registry.SetDefaults()
	cfg.Router.SetDefaults()
	cfg.Metrics.SetDefaults()
	cfg.Telemetry.SetDefaults()
	if err := cfg.MQTT.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Router.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
