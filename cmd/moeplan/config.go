package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the moeplan user configuration file
// (~/.config/moeplan/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Planning defaults
	RuntimeConfig string `yaml:"runtime_config"`
	BudgetPolicy  string `yaml:"budget_policy"`
	Workers       *int64 `yaml:"workers"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "moeplan", "config.yaml")
}

// LoadConfig reads the user config file. A missing or malformed file
// yields the zero Config.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	var cfg Config
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyLoggingConfig applies config file defaults to the logging flags
// when the corresponding CLI flag was not explicitly set.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyPlanConfig(c *cli.Command, cfg Config) {
	if cfg.RuntimeConfig != "" && !c.IsSet("config") {
		runtimeConfigPath = cfg.RuntimeConfig
	}
	if cfg.BudgetPolicy != "" && !c.IsSet("budget-policy") {
		budgetPolicy = cfg.BudgetPolicy
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	applyPlanConfig(c, cfg)
}
