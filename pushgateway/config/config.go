package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	BindAddresses []string
	Port          int
}

type LogConfig struct {
	Level         slog.Level
	XForwardedFor bool
}

type MetricsConfig struct {
	PrometheusEnabled bool
	PrometheusAddress string
}

// App is one entry under apps: the backend kind plus the raw block its
// builder decodes.
type App struct {
	Type string
	Node yaml.Node
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	HTTP    HTTPConfig
	Log     LogConfig
	Metrics MetricsConfig
	Proxy   string
	Apps    map[string]App
}

// Load reads the YAML configuration file and maps it into a base Config.
// Sections and fields the gateway does not act on are warned about, not
// rejected, so typos and unported options surface at startup.
func Load(path string, logger *slog.Logger) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read configuration file %s: %w", path, err)
	}

	var yamlCfg YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		return nil, fmt.Errorf("could not parse configuration file %s: %w", path, err)
	}
	warnUnknownSections(raw, logger)

	return NewConfigFromYaml(&yamlCfg, logger)
}

// UpdateConfigWithEnvOverrides applies environment variables and final
// validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	if val := os.Getenv("PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil && port > 0 {
			logger.Debug("Overriding config value", "key", "PORT", "source", "env")
			cfg.HTTP.Port = port
		}
	}
	if val := os.Getenv("BIND_ADDRESS"); val != "" {
		logger.Debug("Overriding config value", "key", "BIND_ADDRESS", "source", "env")
		cfg.HTTP.BindAddresses = []string{val}
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		logger.Debug("Overriding config value", "key", "LOG_LEVEL", "source", "env")
		cfg.Log.Level = parseLevel(val)
	}
	if val := os.Getenv("PROXY_URL"); val != "" {
		logger.Debug("Overriding config value", "key", "PROXY_URL", "source", "env")
		cfg.Proxy = val
	}
	if val := os.Getenv("METRICS_ADDRESS"); val != "" {
		logger.Debug("Overriding config value", "key", "METRICS_ADDRESS", "source", "env")
		cfg.Metrics.PrometheusAddress = val
		cfg.Metrics.PrometheusEnabled = true
	}

	if cfg.Proxy == "" {
		if val := os.Getenv("HTTPS_PROXY"); val != "" {
			logger.Info("Using proxy configuration from HTTPS_PROXY environment variable")
			cfg.Proxy = val
		}
	}

	// Final validation
	if cfg.HTTP.Port <= 0 {
		cfg.HTTP.Port = 5000
	}
	if len(cfg.HTTP.BindAddresses) == 0 {
		cfg.HTTP.BindAddresses = []string{"127.0.0.1"}
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

// parseLevel maps a level string from the config file or environment onto
// slog's levels, defaulting to info.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "info", "INFO", "":
		return slog.LevelInfo
	case "warn", "WARN":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// warnUnknownSections lightly checks the raw configuration, app blocks
// excepted: each backend kind knows its own fields and warns at build time.
func warnUnknownSections(raw []byte, logger *slog.Logger) {
	var all map[string]any
	if yaml.Unmarshal(raw, &all) != nil {
		return
	}
	checkSection(logger, "", all, "http", "log", "metrics", "proxy", "apps")
	checkSection(logger, "http", childMap(all, "http"), "port", "bind_addresses")
	checkSection(logger, "log", childMap(all, "log"), "level", "access")
	checkSection(logger, "access", childMap(childMap(all, "log"), "access"), "x_forwarded_for")
	checkSection(logger, "metrics", childMap(all, "metrics"), "prometheus")
	checkSection(logger, "prometheus", childMap(childMap(all, "metrics"), "prometheus"), "enabled", "address")
}

func childMap(m map[string]any, key string) map[string]any {
	child, _ := m[key].(map[string]any)
	return child
}

func checkSection(logger *slog.Logger, section string, cfgpart map[string]any, known ...string) {
	if cfgpart == nil {
		return
	}
	knownSet := make(map[string]bool, len(known))
	for _, key := range known {
		knownSet[key] = true
	}
	var unknown []string
	for key := range cfgpart {
		if !knownSet[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return
	}
	sort.Strings(unknown)
	if section == "" {
		logger.Warn("The following configuration sections are not understood", "sections", unknown)
		return
	}
	logger.Warn("The following configuration fields are not understood", "section", section, "fields", unknown)
}
