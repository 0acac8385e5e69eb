package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)

	if cfg.BrokerConfig.Asset != "EURUSD" {
		t.Errorf("default asset = %s, want EURUSD", cfg.BrokerConfig.Asset)
	}
	if cfg.BrokerConfig.Account != "demo" {
		t.Errorf("default account = %s, want demo", cfg.BrokerConfig.Account)
	}
	if cfg.StakingConfig.BaseStake != 10000 || cfg.StakingConfig.MaxSteps != 3 {
		t.Errorf("default staking = %+v, want base 10000 max 3", cfg.StakingConfig)
	}
	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.ServerConfig.Port)
	}
	if cfg.LoggingConfig.Level != "info" {
		t.Errorf("default log level = %s, want info", cfg.LoggingConfig.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BROKER_ASSET", "GBPUSD")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("MOCK_MODE", "true")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if cfg.BrokerConfig.Asset != "GBPUSD" {
		t.Errorf("asset = %s, want GBPUSD from env", cfg.BrokerConfig.Asset)
	}
	if cfg.ServerConfig.Port != 9090 {
		t.Errorf("port = %d, want 9090 from env", cfg.ServerConfig.Port)
	}
	if !cfg.BrokerConfig.MockMode {
		t.Error("mock mode should be on from env")
	}
	if !cfg.RedisConfig.Enabled {
		t.Error("redis should be enabled from env")
	}
	if cfg.LoggingConfig.Level != "debug" {
		t.Errorf("log level = %s, want debug from env", cfg.LoggingConfig.Level)
	}
}

func TestEnvIntFallbackOnGarbage(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if cfg.ServerConfig.Port != 8080 {
		t.Errorf("port = %d, want default 8080 on unparsable env", cfg.ServerConfig.Port)
	}
}
