package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"binary-options-bot/config"
	"binary-options-bot/internal/api"
	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/clock"
	"binary-options-bot/internal/engine"
	"binary-options-bot/internal/events"
	"binary-options-bot/internal/journal"
	"binary-options-bot/internal/monitor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := newLogger(cfg.LoggingConfig)
	logger.Info().Msg("configuration loaded")

	eventBus := events.NewBus()

	clk := clock.System()
	if cfg.BrokerConfig.ClockOffsetMs != 0 {
		clk = clock.WithOffset(clk, time.Duration(cfg.BrokerConfig.ClockOffsetMs)*time.Millisecond)
	}

	var (
		prices  broker.PriceFeed
		sink    broker.TradeSink
		history broker.HistoryFeed
		updates broker.UpdateFeed
	)
	var stream *broker.Stream
	if cfg.BrokerConfig.MockMode {
		logger.Warn().Msg("mock mode enabled, using simulated broker")
		mock := broker.NewMockBroker(1_000_000, logger)
		prices, sink, history, updates = mock, mock, mock, mock
	} else {
		client := broker.NewClient(cfg.BrokerConfig.RestURL, cfg.BrokerConfig.APIToken, logger)
		stream = broker.NewStream(cfg.BrokerConfig.WSURL, logger)
		if err := stream.Start(); err != nil {
			log.Fatalf("Failed to start broker stream: %v", err)
		}
		prices, sink, history, updates = client, client, client, stream
	}

	var orderJournal engine.OrderJournal
	if cfg.RedisConfig.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Addr,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, order journal disabled")
		} else {
			ttl := time.Duration(cfg.RedisConfig.JournalTTLHours) * time.Hour
			orderJournal = journal.New(redisClient, ttl, logger)
			logger.Info().Str("addr", cfg.RedisConfig.Addr).Msg("order journal enabled")
		}
	}

	eng := engine.New(engine.Deps{
		Clock:           clk,
		Prices:          prices,
		Sink:            sink,
		History:         history,
		Updates:         updates,
		Bus:             eventBus,
		Journal:         orderJournal,
		Logger:          logger,
		SchedulerConfig: engine.DefaultSchedulerConfig(),
		MonitorConfig:   monitor.DefaultConfig(),
	})

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: true,
	}, eng, eventBus, cfg.BrokerConfig.Asset, cfg.BrokerConfig.Account, engine.StakingConfig{
		Enabled:        cfg.StakingConfig.Enabled,
		BaseStake:      cfg.StakingConfig.BaseStake,
		MaxSteps:       cfg.StakingConfig.MaxSteps,
		Method:         cfg.StakingConfig.Method,
		Multiplier:     cfg.StakingConfig.Multiplier,
		PercentGain:    cfg.StakingConfig.PercentGain,
		ResumeAfterMax: cfg.StakingConfig.ResumeAfterMax,
	})
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start API server: %v", err)
	}

	logger.Info().Msg("bot ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")
	if eng.Active() {
		if err := eng.Stop(); err != nil {
			logger.Error().Err(err).Msg("engine stop failed")
		}
	}
	if stream != nil {
		stream.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger
}
