package config

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"
)

type YamlHTTPConfig struct {
	BindAddresses []string `yaml:"bind_addresses"`
	Port          int      `yaml:"port"`
}

type YamlAccessConfig struct {
	XForwardedFor bool `yaml:"x_forwarded_for"`
}

type YamlLogConfig struct {
	Level  string           `yaml:"level"`
	Access YamlAccessConfig `yaml:"access"`
}

type YamlPrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type YamlMetricsConfig struct {
	Prometheus YamlPrometheusConfig `yaml:"prometheus"`
}

// YamlConfig is the structure that mirrors the raw sygnal.yaml file. App
// blocks stay as raw YAML nodes; each backend kind decodes its own.
type YamlConfig struct {
	HTTP    YamlHTTPConfig       `yaml:"http"`
	Log     YamlLogConfig        `yaml:"log"`
	Metrics YamlMetricsConfig    `yaml:"metrics"`
	Proxy   string               `yaml:"proxy"`
	Apps    map[string]yaml.Node `yaml:"apps"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		HTTP: HTTPConfig{
			BindAddresses: baseCfg.HTTP.BindAddresses,
			Port:          baseCfg.HTTP.Port,
		},
		Log: LogConfig{
			Level:         parseLevel(baseCfg.Log.Level),
			XForwardedFor: baseCfg.Log.Access.XForwardedFor,
		},
		Metrics: MetricsConfig{
			PrometheusEnabled: baseCfg.Metrics.Prometheus.Enabled,
			PrometheusAddress: baseCfg.Metrics.Prometheus.Address,
		},
		Proxy: baseCfg.Proxy,
		Apps:  make(map[string]App, len(baseCfg.Apps)),
	}

	for name, node := range baseCfg.Apps {
		var probe struct {
			Type string `yaml:"type"`
		}
		if err := node.Decode(&probe); err != nil {
			return nil, fmt.Errorf("app %q is not a config object: %w", name, err)
		}
		cfg.Apps[name] = App{Type: probe.Type, Node: node}
	}

	logger.Debug("YAML config mapping complete",
		"port", cfg.HTTP.Port,
		"num_apps", len(cfg.Apps),
	)

	return cfg, nil
}
