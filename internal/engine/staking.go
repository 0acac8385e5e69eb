package engine

import (
	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
)

// StakingState is the live martingale sequence. At most one instance is
// active per mode; the engine lock prevents starting a second one.
type StakingState struct {
	OriginOrderID string           `json:"origin_order_id"`
	Step          int              `json:"step"`
	TotalLoss     int64            `json:"total_loss"`
	NextStake     int64            `json:"next_stake"`
	Trend         broker.Direction `json:"trend"`
}

// StakingOutcome is the decision produced by the state machine for one
// verdict: either continue the sequence with NextStake/NextTrend, or end it.
type StakingOutcome struct {
	IsWin          bool
	Step           int
	Stake          int64
	TotalLoss      int64
	ShouldContinue bool
	IsMaxReached   bool
	NextStake      int64
	NextTrend      broker.Direction
}

// StakingMachine sequences the configured stake schedule. It holds no lock of
// its own; callers serialize through the engine lock.
type StakingMachine struct {
	cfg    StakingConfig
	rules  Rules
	state  *StakingState
	logger zerolog.Logger
}

// NewStakingMachine creates a staking machine for one mode session.
func NewStakingMachine(cfg StakingConfig, rules Rules, logger zerolog.Logger) *StakingMachine {
	return &StakingMachine{
		cfg:    cfg,
		rules:  rules,
		logger: logger.With().Str("component", "staking").Logger(),
	}
}

// Active reports whether a martingale sequence is live.
func (m *StakingMachine) Active() bool { return m.state != nil }

// State returns a copy of the live sequence state, or nil when idle.
func (m *StakingMachine) State() *StakingState {
	if m.state == nil {
		return nil
	}
	s := *m.state
	return &s
}

// Reset discards any live sequence. Used on mode stop.
func (m *StakingMachine) Reset() { m.state = nil }

// OnLoss records a losing order and decides the next step. The prior step's
// loss is always accumulated before the step counter moves.
func (m *StakingMachine) OnLoss(order *Order) StakingOutcome {
	nextTrend := order.Direction
	if m.rules.ReverseOnLoss {
		nextTrend = order.Direction.Opposite()
	}

	if m.state == nil {
		m.state = &StakingState{
			OriginOrderID: order.ID,
			Step:          1,
			TotalLoss:     order.Stake,
			Trend:         nextTrend,
		}
	} else {
		m.state.TotalLoss += order.Stake
		m.state.Step++
		m.state.Trend = nextTrend
	}

	if m.state.Step >= m.cfg.MaxSteps {
		out := StakingOutcome{
			Step:         m.state.Step,
			Stake:        order.Stake,
			TotalLoss:    m.state.TotalLoss,
			IsMaxReached: true,
			NextStake:    m.cfg.BaseStake,
			NextTrend:    nextTrend,
		}
		m.logger.Warn().Int("step", out.Step).Int64("total_loss", out.TotalLoss).
			Msg("staking failed, max steps reached")
		m.state = nil
		return out
	}

	m.state.NextStake = m.cfg.StakeFor(m.state.Step, m.state.TotalLoss)
	m.logger.Info().Int("step", m.state.Step).Int64("next_stake", m.state.NextStake).
		Int64("total_loss", m.state.TotalLoss).Str("next_trend", string(nextTrend)).
		Msg("staking step")
	return StakingOutcome{
		Step:           m.state.Step,
		Stake:          order.Stake,
		TotalLoss:      m.state.TotalLoss,
		ShouldContinue: true,
		NextStake:      m.state.NextStake,
		NextTrend:      nextTrend,
	}
}

// OnWin ends any live sequence. The trend that just won is never reversed.
func (m *StakingMachine) OnWin(order *Order) StakingOutcome {
	out := StakingOutcome{
		IsWin:     true,
		Stake:     order.Stake,
		NextStake: m.cfg.BaseStake,
		NextTrend: order.Direction,
	}
	if m.state != nil {
		out.Step = m.state.Step
		out.TotalLoss = m.state.TotalLoss
		m.logger.Info().Int("step", out.Step).Int64("recovered_loss", out.TotalLoss).
			Msg("staking sequence won")
		m.state = nil
	}
	return out
}
