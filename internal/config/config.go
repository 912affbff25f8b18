// Package config loads and holds all engine configuration.
// Settings are layered: defaults → castle-config.yaml → environment variables
// (env vars win). cmd/castle layers Cobra flags on top of this as the
// outermost override.
package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration.
type Config struct {
	K       int     `yaml:"k"`
	Delta   int     `yaml:"delta"`
	Beta    int     `yaml:"beta"`
	Mu      int     `yaml:"mu"`
	L       int     `yaml:"l"`
	Phi     float64 `yaml:"phi"`
	DP      bool    `yaml:"dp"`
	BetaBig float64 `yaml:"betaBig"`

	Headers       []string `yaml:"headers"`
	SensitiveAttr string   `yaml:"sensitiveAttr"`
	Seed          int64    `yaml:"seed"`

	LogLevel        string `yaml:"logLevel"`
	ManagementPort  int    `yaml:"managementPort"`
	ManagementToken string `yaml:"managementToken"`

	HistoryEnabled bool   `yaml:"historyEnabled"`
	HistoryDBPath  string `yaml:"historyDBPath"`

	SinkMode      string `yaml:"sinkMode"` // "stdout", "websocket", "postgres"
	WebSocketAddr string `yaml:"webSocketAddr"`
	PostgresDSN   string `yaml:"postgresDSN"`
}

// Load returns config with defaults overridden by castle-config.yaml and env vars.
func Load() *Config {
	cfg := defaults()
	loadFile(cfg, "castle-config.yaml")
	loadEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		K:       5,
		Delta:   20,
		Beta:    50,
		Mu:      10,
		L:       1,
		Phi:     0.15,
		DP:      false,
		BetaBig: 0.5,

		Headers:       []string{"age"},
		SensitiveAttr: "disease",
		Seed:          0,

		LogLevel:        "info",
		ManagementPort:  8081,
		HistoryEnabled:  false,
		HistoryDBPath:   "castle-history.db",

		SinkMode: "stdout",
	}
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path) //nolint:gosec // G703: path is a controlled config file path, not user input
	if err != nil {
		return // file is optional
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[CONFIG] Warning: could not parse %s: %v", path, err)
	} else {
		log.Printf("[CONFIG] Loaded %s", path)
	}
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("CASTLE_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.K = n
		}
	}
	if v := os.Getenv("CASTLE_DELTA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Delta = n
		}
	}
	if v := os.Getenv("CASTLE_BETA"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Beta = n
		}
	}
	if v := os.Getenv("CASTLE_MU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Mu = n
		}
	}
	if v := os.Getenv("CASTLE_L"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.L = n
		}
	}
	if v := os.Getenv("CASTLE_PHI"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Phi = f
		}
	}
	if v := os.Getenv("CASTLE_DP"); v == "true" {
		cfg.DP = true
	}
	if v := os.Getenv("CASTLE_DP"); v == "false" {
		cfg.DP = false
	}
	if v := os.Getenv("CASTLE_BETA_BIG"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.BetaBig = f
		}
	}
	if v := os.Getenv("CASTLE_SENSITIVE_ATTR"); v != "" {
		cfg.SensitiveAttr = v
	}
	if v := os.Getenv("CASTLE_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MANAGEMENT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ManagementPort = n
		}
	}
	if v := os.Getenv("MANAGEMENT_TOKEN"); v != "" {
		cfg.ManagementToken = v
	}
	if v := os.Getenv("CASTLE_HISTORY_ENABLED"); v == "true" {
		cfg.HistoryEnabled = true
	}
	if v := os.Getenv("CASTLE_HISTORY_DB_PATH"); v != "" {
		cfg.HistoryDBPath = v
	}
	if v := os.Getenv("CASTLE_SINK_MODE"); v != "" {
		cfg.SinkMode = v
	}
	if v := os.Getenv("CASTLE_WEBSOCKET_ADDR"); v != "" {
		cfg.WebSocketAddr = v
	}
	if v := os.Getenv("CASTLE_POSTGRES_DSN"); v != "" {
		cfg.PostgresDSN = v
	}
}
