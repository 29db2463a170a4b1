// Package config loads the catalog coordinator's runtime configuration from
// environment variables, with an optional YAML file to override defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Isolation is a SQL transaction isolation level accepted by the
// transaction manager.
type Isolation string

const (
	ReadUncommitted Isolation = "READ UNCOMMITTED"
	ReadCommitted   Isolation = "READ COMMITTED"
	RepeatableRead  Isolation = "REPEATABLE READ"
	Serializable    Isolation = "SERIALIZABLE"
)

// NodeConfig holds connection details for one of the three nodes.
type NodeConfig struct {
	Name string `yaml:"name"`
	DSN  string `yaml:"dsn"`
}

// Config is the catalog coordinator's full runtime configuration.
type Config struct {
	Master  NodeConfig `yaml:"master"`
	SlaveA  NodeConfig `yaml:"slave_a"`
	SlaveB  NodeConfig `yaml:"slave_b"`

	SyncInterval   time.Duration `yaml:"sync_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	Isolation      Isolation     `yaml:"isolation"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in defaults. Node DSNs are left empty; callers
// must supply them via environment or a YAML override.
func Default() Config {
	return Config{
		Master: NodeConfig{Name: "master"},
		SlaveA: NodeConfig{Name: "slave_a"},
		SlaveB: NodeConfig{Name: "slave_b"},

		SyncInterval:   10 * time.Second,
		HealthInterval: 5 * time.Second,
		RetryInterval:  10 * time.Second,
		Isolation:      RepeatableRead,

		LogLevel:    "info",
		LogJSON:     false,
		MetricsAddr: ":9090",
	}
}

// Load builds a Config starting from Default, applying a YAML override file
// if yamlPath is non-empty, then applying environment variables on top.
func Load(yamlPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading override file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing override file %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Master.DSN == "" {
		return Config{}, fmt.Errorf("config: MASTER_DSN is required")
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MASTER_DSN"); v != "" {
		cfg.Master.DSN = v
	}
	if v := os.Getenv("SLAVE_A_DSN"); v != "" {
		cfg.SlaveA.DSN = v
	}
	if v := os.Getenv("SLAVE_B_DSN"); v != "" {
		cfg.SlaveB.DSN = v
	}

	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthInterval = d
		}
	}
	if v := os.Getenv("RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RetryInterval = d
		}
	}
	if v := os.Getenv("ISOLATION_LEVEL"); v != "" {
		cfg.Isolation = Isolation(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// NodeNames returns the three node names in canonical order.
func NodeNames() [3]string {
	return [3]string{"master", "slave_a", "slave_b"}
}
