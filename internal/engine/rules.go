package engine

import (
	"math"

	"binary-options-bot/internal/broker"
)

// Rules is the per-mode policy table. The three trading modes are one engine
// parametrized by these flags.
type Rules struct {
	// ReverseOnLoss reverses the trend for each staking step; when false the
	// losing trend is repeated unchanged.
	ReverseOnLoss bool `json:"reverse_on_loss"`
	// EnterStakingOnFirstLoss starts the martingale sequence on the first
	// losing order of a cycle. When false the first loss only restarts the
	// cycle and staking begins on the next consecutive loss.
	EnterStakingOnFirstLoss bool `json:"enter_staking_on_first_loss"`
	// RequiresTrigger gates the first order of a cycle behind a
	// price-target-crossing check.
	RequiresTrigger bool `json:"requires_trigger"`
}

// Mode names accepted by the control API.
const (
	ModeFollowTrend = "follow_trend"
	ModeCycleSync   = "cycle_sync"
	ModePrediction  = "prediction"
)

// RulesForMode returns the rule table for a named mode.
func RulesForMode(mode string) (Rules, bool) {
	switch mode {
	case ModeFollowTrend:
		return Rules{ReverseOnLoss: true, EnterStakingOnFirstLoss: true}, true
	case ModeCycleSync:
		return Rules{ReverseOnLoss: false, EnterStakingOnFirstLoss: false}, true
	case ModePrediction:
		return Rules{ReverseOnLoss: true, EnterStakingOnFirstLoss: true, RequiresTrigger: true}, true
	default:
		return Rules{}, false
	}
}

// PredictionConfig configures the trigger check for prediction-gated modes.
type PredictionConfig struct {
	TargetPrice float64 `json:"target_price"`
	// Sensitivity scales the tolerance derived from recent price movement.
	Sensitivity float64 `json:"sensitivity"`
}

// TriggerTolerance derives the trigger tolerance from the average absolute
// close-to-close movement of the recent candles, scaled by the sensitivity
// factor.
func TriggerTolerance(candles []broker.Candle, sensitivity float64) float64 {
	if len(candles) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(candles); i++ {
		sum += math.Abs(candles[i].Close - candles[i-1].Close)
	}
	return sum / float64(len(candles)-1) * sensitivity
}

// Triggered reports whether the current price has crossed within tolerance of
// the target.
func Triggered(current, target, tolerance float64) bool {
	return math.Abs(current-target) <= tolerance
}
