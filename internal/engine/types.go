// Package engine implements the execution core: the cycle scheduler, the
// martingale staking state machine, the single-flight execution coordinator
// and the mode lifecycle that ties them to the result monitor.
package engine

import (
	"time"

	"binary-options-bot/internal/broker"
)

// OrderSource records what decision point produced an order.
type OrderSource string

const (
	SourceCycle      OrderSource = "cycle"
	SourceStaking    OrderSource = "staking"
	SourcePrediction OrderSource = "prediction"
)

// Order is one placed trade. The executed flag transitions false to true
// exactly once, when the monitor delivers the verdict.
type Order struct {
	ID        string           `json:"id"`
	Asset     string           `json:"asset"`
	Direction broker.Direction `json:"direction"`
	Stake     int64            `json:"stake"`
	CreatedAt time.Time        `json:"created_at"`
	Source    OrderSource      `json:"source"`
	Executed  bool             `json:"executed"`
	Win       *bool            `json:"win,omitempty"`
}

// Cycle is one trend-detection round: two boundary price samples and the
// trend derived from them. Owned exclusively by the scheduler.
type Cycle struct {
	Seq        int              `json:"seq"`
	Trend      broker.Direction `json:"trend,omitempty"`
	Sample1    *broker.Candle   `json:"sample1,omitempty"`
	Sample2    *broker.Candle   `json:"sample2,omitempty"`
	InProgress bool             `json:"in_progress"`
}

// StakingConfig is the configured stake schedule. The state machine only
// sequences it.
type StakingConfig struct {
	Enabled   bool  `json:"enabled"`
	BaseStake int64 `json:"base_stake"`
	MaxSteps  int   `json:"max_steps"`
	// Method selects the escalation rule: "multiplier" raises the stake by a
	// fixed factor per step, "percent" sizes the next stake to recover the
	// accumulated loss plus a margin.
	Method         string  `json:"method"`
	Multiplier     float64 `json:"multiplier"`
	PercentGain    float64 `json:"percent_gain"`
	ResumeAfterMax bool    `json:"resume_after_max"`
}

// DefaultStakingConfig returns a conservative doubling schedule.
func DefaultStakingConfig() StakingConfig {
	return StakingConfig{
		Enabled:        true,
		BaseStake:      10000,
		MaxSteps:       3,
		Method:         "multiplier",
		Multiplier:     2.0,
		PercentGain:    10.0,
		ResumeAfterMax: true,
	}
}

// StakeFor returns the stake for escalation step (1-based), given the loss
// accumulated so far.
func (c StakingConfig) StakeFor(step int, totalLoss int64) int64 {
	switch c.Method {
	case "percent":
		stake := int64(float64(totalLoss) * (1 + c.PercentGain/100))
		if stake < c.BaseStake {
			stake = c.BaseStake
		}
		return stake
	default:
		stake := float64(c.BaseStake)
		for i := 0; i < step; i++ {
			stake *= c.Multiplier
		}
		return int64(stake)
	}
}
