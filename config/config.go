package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config is the process configuration: broker endpoints, default staking
// schedule, server and Redis settings.
type Config struct {
	BrokerConfig  BrokerConfig  `json:"broker"`
	StakingConfig StakingConfig `json:"staking"`
	ServerConfig  ServerConfig  `json:"server"`
	RedisConfig   RedisConfig   `json:"redis"`
	LoggingConfig LoggingConfig `json:"logging"`
}

// BrokerConfig holds the broker endpoints and defaults.
type BrokerConfig struct {
	RestURL  string `json:"rest_url"`
	WSURL    string `json:"ws_url"`
	APIToken string `json:"api_token"`
	Asset    string `json:"asset"`
	Account  string `json:"account"`   // "demo" or "real"
	MockMode bool   `json:"mock_mode"` // Use the simulated broker when the real API is unavailable

	// ClockOffsetMs shifts the local clock to server time, in milliseconds.
	ClockOffsetMs int64 `json:"clock_offset_ms"`
}

// StakingConfig holds the default martingale schedule; the base stake is in
// minor units and Method is "multiplier" or "percent". The control API can
// override it per session.
type StakingConfig struct {
	Enabled        bool    `json:"enabled"`
	BaseStake      int64   `json:"base_stake"`
	MaxSteps       int     `json:"max_steps"`
	Method         string  `json:"method"`
	Multiplier     float64 `json:"multiplier"`
	PercentGain    float64 `json:"percent_gain"`
	ResumeAfterMax bool    `json:"resume_after_max"`
}

// ServerConfig holds the control API settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RedisConfig holds the optional order-journal mirror settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// JournalTTLHours bounds how long mirrored orders are kept.
	JournalTTLHours int `json:"journal_ttl_hours"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

// Load reads config.json if present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// No config file: start from defaults
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BrokerConfig.Asset == "" {
		cfg.BrokerConfig.Asset = "EURUSD"
	}
	if cfg.BrokerConfig.Account == "" {
		cfg.BrokerConfig.Account = "demo"
	}
	if cfg.StakingConfig.BaseStake == 0 {
		cfg.StakingConfig = StakingConfig{
			Enabled:        true,
			BaseStake:      10000,
			MaxSteps:       3,
			Method:         "multiplier",
			Multiplier:     2.0,
			PercentGain:    10.0,
			ResumeAfterMax: true,
		}
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.RedisConfig.Addr == "" {
		cfg.RedisConfig.Addr = "localhost:6379"
	}
	if cfg.RedisConfig.JournalTTLHours == 0 {
		cfg.RedisConfig.JournalTTLHours = 72
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment takes precedence over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.BrokerConfig.RestURL = getEnvOrDefault("BROKER_REST_URL", cfg.BrokerConfig.RestURL)
	cfg.BrokerConfig.WSURL = getEnvOrDefault("BROKER_WS_URL", cfg.BrokerConfig.WSURL)
	cfg.BrokerConfig.APIToken = getEnvOrDefault("BROKER_API_TOKEN", cfg.BrokerConfig.APIToken)
	cfg.BrokerConfig.Asset = getEnvOrDefault("BROKER_ASSET", cfg.BrokerConfig.Asset)
	cfg.BrokerConfig.Account = getEnvOrDefault("BROKER_ACCOUNT", cfg.BrokerConfig.Account)
	if v := os.Getenv("MOCK_MODE"); v != "" {
		cfg.BrokerConfig.MockMode = v == "true"
	}

	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)

	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		cfg.LoggingConfig.Pretty = v == "true"
	}
}

func getEnvOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
