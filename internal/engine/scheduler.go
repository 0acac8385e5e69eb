package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/clock"
	"binary-options-bot/internal/events"
)

// SchedulerConfig holds the cycle timing knobs.
type SchedulerConfig struct {
	// SettleDelay is the pause after a minute boundary before sampling, so
	// the boundary candle has settled on the broker side.
	SettleDelay time.Duration
	// FetchBackoff is the wait before restarting a cycle after a failed
	// price fetch. Restarts are unbounded: a broker hiccup must not stop
	// the bot.
	FetchBackoff time.Duration
	// TriggerPollInterval is the sampling interval for the prediction
	// trigger check.
	TriggerPollInterval time.Duration
}

// DefaultSchedulerConfig returns the standard timing.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SettleDelay:         2 * time.Second,
		FetchBackoff:        2 * time.Second,
		TriggerPollInterval: time.Second,
	}
}

// Scheduler aligns execution to minute boundaries and derives the trend from
// two boundary samples. One scheduler goroutine runs per active mode.
type Scheduler struct {
	cfg    SchedulerConfig
	clk    clock.Clock
	prices broker.PriceFeed
	asset  string
	mode   string
	bus    *events.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	seq   int
	cycle Cycle
}

// NewScheduler creates a scheduler for one mode session.
func NewScheduler(cfg SchedulerConfig, clk clock.Clock, prices broker.PriceFeed, asset, mode string, bus *events.Bus, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		clk:    clk,
		prices: prices,
		asset:  asset,
		mode:   mode,
		bus:    bus,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Cycle returns a snapshot of the current cycle.
func (s *Scheduler) Cycle() Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// RunCycle executes one trend-detection round: two boundary-aligned samples,
// trend from their closes. Any fetch failure restarts the round after the
// configured backoff. Returns ok=false only when ctx is cancelled.
func (s *Scheduler) RunCycle(ctx context.Context) (broker.Direction, bool) {
	for {
		s.mu.Lock()
		s.seq++
		seq := s.seq
		s.cycle = Cycle{Seq: seq, InProgress: true}
		s.mu.Unlock()

		s.status(fmt.Sprintf("cycle %d: waiting for minute boundary", seq))
		if !s.waitUntil(ctx, clock.NextMinuteBoundary(s.clk.Now())) {
			return "", false
		}
		if !s.sleep(ctx, s.cfg.SettleDelay) {
			return "", false
		}

		s.status(fmt.Sprintf("cycle %d: fetching first sample", seq))
		sample1, err := s.fetchSample(ctx)
		if err != nil {
			if !s.backoff(ctx, seq, err) {
				return "", false
			}
			continue
		}
		s.mu.Lock()
		s.cycle.Sample1 = sample1
		s.mu.Unlock()

		s.status(fmt.Sprintf("cycle %d: waiting for second boundary", seq))
		if !s.waitUntil(ctx, clock.NextMinuteBoundary(s.clk.Now())) {
			return "", false
		}
		if !s.sleep(ctx, s.cfg.SettleDelay) {
			return "", false
		}

		s.status(fmt.Sprintf("cycle %d: fetching second sample", seq))
		sample2, err := s.fetchSample(ctx)
		if err != nil {
			if !s.backoff(ctx, seq, err) {
				return "", false
			}
			continue
		}

		trend := DetectTrend(sample1.Close, sample2.Close)
		s.mu.Lock()
		s.cycle.Sample2 = sample2
		s.cycle.Trend = trend
		s.cycle.InProgress = false
		s.mu.Unlock()

		s.logger.Info().Int("cycle", seq).Float64("close1", sample1.Close).
			Float64("close2", sample2.Close).Str("trend", string(trend)).Msg("trend determined")
		s.status(fmt.Sprintf("cycle %d: trend %s", seq, trend))
		return trend, true
	}
}

// WaitForTrigger polls the price until it crosses within tolerance of the
// configured target. Returns false only when ctx is cancelled.
func (s *Scheduler) WaitForTrigger(ctx context.Context, pred PredictionConfig) bool {
	s.status(fmt.Sprintf("waiting for price to reach %.5f", pred.TargetPrice))
	for {
		candles, err := s.prices.FetchLatestCandles(ctx, s.asset, s.clk.Now())
		if err == nil && len(candles) > 0 {
			current := candles[len(candles)-1].Close
			tolerance := TriggerTolerance(candles, pred.Sensitivity)
			if Triggered(current, pred.TargetPrice, tolerance) {
				s.logger.Info().Float64("price", current).Float64("target", pred.TargetPrice).
					Float64("tolerance", tolerance).Msg("prediction trigger fired")
				s.status("prediction trigger fired")
				return true
			}
		}
		if !s.sleep(ctx, s.cfg.TriggerPollInterval) {
			return false
		}
	}
}

// DetectTrend compares two boundary closes. Equal closes resolve to down;
// only a strictly greater second close is an up trend.
func DetectTrend(close1, close2 float64) broker.Direction {
	if close2 > close1 {
		return broker.DirectionUp
	}
	return broker.DirectionDown
}

func (s *Scheduler) fetchSample(ctx context.Context) (*broker.Candle, error) {
	candles, err := s.prices.FetchLatestCandles(ctx, s.asset, s.clk.Now())
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles for %s", s.asset)
	}
	latest := candles[len(candles)-1]
	return &latest, nil
}

func (s *Scheduler) backoff(ctx context.Context, seq int, err error) bool {
	s.logger.Warn().Err(err).Int("cycle", seq).Msg("price fetch failed, restarting cycle")
	s.status(fmt.Sprintf("cycle %d: price fetch failed, retrying", seq))
	return s.sleep(ctx, s.cfg.FetchBackoff)
}

func (s *Scheduler) waitUntil(ctx context.Context, t time.Time) bool {
	return s.sleep(ctx, t.Sub(s.clk.Now()))
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) status(msg string) {
	if s.bus != nil {
		s.bus.PublishStatus(s.mode, msg)
	}
}
