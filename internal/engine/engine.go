package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/clock"
	"binary-options-bot/internal/events"
	"binary-options-bot/internal/monitor"
)

var (
	// ErrAlreadyActive is returned by Start when a mode session is running.
	ErrAlreadyActive = errors.New("already active")
	// ErrNotActive is returned by Stop when no mode session is running.
	ErrNotActive = errors.New("not active")
)

// sinkRetryDelay is the pause after a rejected placement before a fresh
// cycle is requested; the opportunity window of the failed order is assumed
// gone.
const sinkRetryDelay = 3 * time.Second

// Deps are the external collaborators an Engine consumes. All network-facing
// members are interfaces; tests inject fakes.
type Deps struct {
	Clock   clock.Clock
	Prices  broker.PriceFeed
	Sink    broker.TradeSink
	History broker.HistoryFeed
	Updates broker.UpdateFeed
	Bus     *events.Bus
	Journal OrderJournal // may be nil
	Logger  zerolog.Logger

	SchedulerConfig SchedulerConfig
	MonitorConfig   monitor.Config
}

// StartParams describe one mode session.
type StartParams struct {
	Asset      string
	Account    broker.AccountKind
	Mode       string
	Staking    StakingConfig
	Prediction PredictionConfig
}

// Engine runs one trading mode: it owns the per-mode lock, the order list,
// the staking machine and the verdict routing. At most one session is active
// at a time.
type Engine struct {
	deps   Deps
	logger zerolog.Logger

	mu          sync.Mutex
	active      bool
	session     uint64
	mode        string
	asset       string
	account     broker.AccountKind
	rules       Rules
	stakingCfg  StakingConfig
	prediction  PredictionConfig
	lossStreak  int
	staking     *StakingMachine
	coordinator *Coordinator
	mon         *monitor.Monitor
	scheduler   *Scheduler
	runCtx      context.Context
	cancel      context.CancelFunc
	newCycle    chan struct{}

	wg sync.WaitGroup
}

// New creates an engine. One engine serves one mode session at a time;
// sessions share nothing with each other.
func New(deps Deps) *Engine {
	return &Engine{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "engine").Logger(),
	}
}

// Start begins a mode session. Returns ErrAlreadyActive if one is running.
func (e *Engine) Start(params StartParams) error {
	rules, ok := RulesForMode(params.Mode)
	if !ok {
		return fmt.Errorf("unknown mode %q", params.Mode)
	}
	if params.Staking.BaseStake <= 0 {
		return fmt.Errorf("base stake must be positive")
	}

	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.active = true
	e.session++
	session := e.session
	e.mode = params.Mode
	e.asset = params.Asset
	e.account = params.Account
	e.rules = rules
	e.stakingCfg = params.Staking
	e.prediction = params.Prediction
	e.lossStreak = 0
	e.runCtx = ctx
	e.cancel = cancel
	e.newCycle = make(chan struct{}, 1)
	e.newCycle <- struct{}{}

	e.staking = NewStakingMachine(params.Staking, rules, e.logger)
	e.mon = monitor.New(e.deps.MonitorConfig, e.deps.Clock, e.deps.History, e.deps.Updates,
		params.Mode, e.deps.Bus, e.logger, func(v monitor.Verdict) { e.handleVerdict(session, v) })
	e.coordinator = NewCoordinator(e.deps.Clock, e.deps.Sink, e.mon, e.deps.Journal,
		e.deps.Bus, e.logger, params.Mode, params.Asset, params.Account,
		func() bool { return e.isSession(session) })
	e.scheduler = NewScheduler(e.deps.SchedulerConfig, e.deps.Clock, e.deps.Prices,
		params.Asset, params.Mode, e.deps.Bus, e.logger)
	mon := e.mon
	e.mu.Unlock()

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		mon.Run(ctx)
	}()
	go e.runScheduler(ctx)

	e.logger.Info().Str("mode", params.Mode).Str("asset", params.Asset).
		Str("account", string(params.Account)).Msg("mode started")
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.Event{Type: events.EventModeStarted, Data: map[string]interface{}{
			"mode":  params.Mode,
			"asset": params.Asset,
		}})
	}
	return nil
}

// Stop ends the session: cancels the scheduler and polling tasks and
// abandons, rather than resolves, any in-flight monitoring records.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return ErrNotActive
	}
	e.active = false
	mode := e.mode
	cancel := e.cancel
	mon := e.mon
	staking := e.staking
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	mon.Abandon()

	e.mu.Lock()
	staking.Reset()
	e.runCtx = nil
	e.mu.Unlock()

	e.logger.Info().Str("mode", mode).Msg("mode stopped")
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(events.Event{Type: events.EventModeStopped, Data: map[string]interface{}{
			"mode": mode,
		}})
	}
	return nil
}

// Active reports whether a session is running.
func (e *Engine) Active() bool { return e.isActive() }

// Orders returns the session's order list snapshot, or nil when idle.
func (e *Engine) Orders() []Order {
	e.mu.Lock()
	coordinator := e.coordinator
	e.mu.Unlock()
	if coordinator == nil {
		return nil
	}
	return coordinator.Orders()
}

// Status returns a snapshot for the control API.
func (e *Engine) Status() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := map[string]interface{}{
		"active": e.active,
	}
	if !e.active {
		return status
	}
	status["mode"] = e.mode
	status["asset"] = e.asset
	status["account"] = e.account
	status["loss_streak"] = e.lossStreak
	if e.scheduler != nil {
		status["cycle"] = e.scheduler.Cycle()
	}
	if e.staking != nil {
		status["staking"] = e.staking.State()
	}
	if e.coordinator != nil {
		status["order_pending"] = e.coordinator.Pending()
	}
	if e.mon != nil {
		status["monitoring"] = e.mon.Pending()
		status["resolved"] = e.mon.ResolvedCount()
	}
	return status
}

func (e *Engine) isActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// isSession reports whether the given session is still the live one. Session
// numbers strictly increase across Start calls, so a callback created by a
// stopped session can never act on a later session's state.
func (e *Engine) isSession(session uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active && e.session == session
}

// runScheduler waits for cycle requests and runs trend detection. Exactly
// one first order is placed per completed cycle.
func (e *Engine) runScheduler(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.newCycle:
		}

		trend, ok := e.scheduler.RunCycle(ctx)
		if !ok {
			return
		}

		source := SourceCycle
		if e.rules.RequiresTrigger {
			if !e.scheduler.WaitForTrigger(ctx, e.prediction) {
				return
			}
			source = SourcePrediction
		}
		if !e.isActive() {
			return
		}

		if _, err := e.coordinator.ExecuteOrder(ctx, trend, e.stakingCfg.BaseStake, source); err != nil {
			if !e.handlePlacementError(ctx, err) {
				return
			}
		}
	}
}

// handlePlacementError routes a failed ExecuteOrder. Returns false when the
// scheduler loop should exit.
func (e *Engine) handlePlacementError(ctx context.Context, err error) bool {
	switch {
	case errors.Is(err, ErrModeInactive):
		return false
	case errors.Is(err, ErrOrderPending):
		// Logic failure: another decision path won the race. No-op.
		e.logger.Debug().Msg("order already pending, skipping placement")
		return true
	default:
		e.logger.Warn().Err(err).Msg("placement failed, restarting cycle")
		timer := time.NewTimer(sinkRetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false
		}
		e.requestCycle()
		return true
	}
}

func (e *Engine) requestCycle() {
	e.mu.Lock()
	ch := e.newCycle
	e.mu.Unlock()
	if ch != nil {
		signalCycle(ch)
	}
}

func signalCycle(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// handleVerdict routes the single authoritative outcome of one order. It runs
// on a monitor or update-feed goroutine that may outlive the session, so the
// verdict carries its session number and is validated against the live one
// before and after every suspension point: a verdict for a stopped session is
// dropped even when a new session has started in the meantime.
func (e *Engine) handleVerdict(session uint64, v monitor.Verdict) {
	e.mu.Lock()
	if !e.active || e.session != session {
		e.mu.Unlock()
		return
	}
	coordinator := e.coordinator
	mode := e.mode
	e.mu.Unlock()

	order, ok := coordinator.MarkExecuted(v.OrderID, v.IsWin)
	if !ok {
		return
	}

	outcome := "LOSE"
	if v.IsWin {
		outcome = "WIN"
	}
	if e.deps.Journal != nil {
		e.deps.Journal.RecordResult(context.Background(), mode, v.OrderID, v.IsWin, v.ExternalID)
	}
	if e.deps.Bus != nil {
		e.deps.Bus.PublishTradeStats(mode, v.ExternalID, v.OrderID, outcome)
		e.deps.Bus.PublishOrdersChanged(mode, coordinator.Orders())
	}

	e.mu.Lock()
	if !e.active || e.session != session {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	newCycle := e.newCycle

	type action int
	const (
		actNone action = iota
		actPlace
		actCycle
		actStop
	)
	next := actNone
	var nextTrend broker.Direction
	var nextStake int64
	var nextSource OrderSource

	if v.IsWin {
		wasStaking := e.staking.Active()
		out := e.staking.OnWin(&order)
		e.lossStreak = 0
		if wasStaking && e.deps.Bus != nil {
			e.deps.Bus.PublishStakingResult(e.mode, true, out.Step, out.Stake, out.TotalLoss, false, false)
		}
		// A win repeats the winning trend with the base stake.
		next, nextTrend, nextStake, nextSource = actPlace, out.NextTrend, e.stakingCfg.BaseStake, SourceCycle
	} else {
		e.lossStreak++
		enterStaking := e.stakingCfg.Enabled &&
			(e.staking.Active() || e.rules.EnterStakingOnFirstLoss || e.lossStreak >= 2)
		if !enterStaking {
			next = actCycle
		} else {
			out := e.staking.OnLoss(&order)
			switch {
			case out.IsMaxReached:
				e.lossStreak = 0
				if e.deps.Bus != nil {
					e.deps.Bus.PublishStakingResult(e.mode, false, out.Step, out.Stake, out.TotalLoss, e.stakingCfg.ResumeAfterMax, true)
				}
				if e.stakingCfg.ResumeAfterMax {
					next = actCycle
				} else {
					next = actStop
				}
			default:
				if e.deps.Bus != nil {
					e.deps.Bus.PublishStakingResult(e.mode, false, out.Step, out.Stake, out.TotalLoss, true, false)
				}
				next, nextTrend, nextStake, nextSource = actPlace, out.NextTrend, out.NextStake, SourceStaking
			}
		}
	}
	e.mu.Unlock()

	switch next {
	case actPlace:
		go e.placeNext(ctx, coordinator, nextTrend, nextStake, nextSource)
	case actCycle:
		signalCycle(newCycle)
	case actStop:
		go func() {
			if err := e.Stop(); err != nil && !errors.Is(err, ErrNotActive) {
				e.logger.Error().Err(err).Msg("stop after staking failure")
			}
		}()
	}
}

// placeNext places a follow-up order decided by a verdict. Runs on its own
// goroutine so a slow sink call never blocks the monitor. The coordinator is
// the deciding session's own; its liveness check is session-aware, so a
// placement racing a stop-start is refused rather than leaking into the next
// session.
func (e *Engine) placeNext(ctx context.Context, c *Coordinator, trend broker.Direction, stake int64, source OrderSource) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if _, err := c.ExecuteOrder(ctx, trend, stake, source); err != nil {
		e.handlePlacementError(ctx, err)
	}
}
