// Package monitor resolves the outcome of placed trades by reconciling three
// independent signal sources: push events from the update feed, polling of
// the settled-trade history, and an account balance-delta heuristic. Each
// registered order is resolved exactly once; a second signal for the same
// order or the same external trade id is dropped.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/clock"
	"binary-options-bot/internal/events"
)

// DetectionMethod records which source resolved an order.
type DetectionMethod string

const (
	MethodPush    DetectionMethod = "push"
	MethodPoll    DetectionMethod = "poll"
	MethodBalance DetectionMethod = "balance"
	MethodTimeout DetectionMethod = "timeout"
)

// Verdict is the single authoritative outcome for one order.
type Verdict struct {
	OrderID    string
	ExternalID string
	IsWin      bool
	Amount     int64
	Method     DetectionMethod
}

// ResultFunc receives exactly one Verdict per registered order.
type ResultFunc func(Verdict)

// Config holds the reconciliation timing and thresholds.
type Config struct {
	// PushMatchWindow bounds how old a record may be to match a push event.
	PushMatchWindow time.Duration
	// FastPollInterval is used inside the priority window after a push
	// sighting; SlowPollInterval otherwise.
	FastPollInterval time.Duration
	SlowPollInterval time.Duration
	PriorityWindow   time.Duration
	// SearchWindow bounds how far a history trade's settlement may lie from
	// the order's registration time.
	SearchWindow time.Duration
	// BalanceNoiseThreshold is the minimum absolute balance change, in minor
	// units, the heuristic reacts to.
	BalanceNoiseThreshold int64
	// BalanceWindow bounds how recently a record must have been registered
	// to be eligible for the balance heuristic.
	BalanceWindow time.Duration
	// ResultTimeout force-resolves a silent record as a loss.
	ResultTimeout time.Duration
}

// DefaultConfig returns the standard reconciliation timing.
func DefaultConfig() Config {
	return Config{
		PushMatchWindow:       150 * time.Second,
		FastPollInterval:      100 * time.Millisecond,
		SlowPollInterval:      3 * time.Second,
		PriorityWindow:        2500 * time.Millisecond,
		SearchWindow:          120 * time.Second,
		BalanceNoiseThreshold: 50000,
		BalanceWindow:         60 * time.Second,
		ResultTimeout:         90 * time.Second,
	}
}

// Record is one order under active result-watch.
type Record struct {
	OrderID      string
	Stake        int64
	Direction    broker.Direction
	Account      broker.AccountKind
	RegisteredAt time.Time

	SeenPush    bool
	SeenPoll    bool
	SeenBalance bool
	Completed   bool
}

// Monitor reconciles the three sources into one verdict per order. All state
// is guarded by a single mutex; push handlers, the poll loop and the timeout
// sweep all serialize through it.
type Monitor struct {
	mu sync.Mutex

	cfg      Config
	clk      clock.Clock
	history  broker.HistoryFeed
	updates  broker.UpdateFeed
	mode     string
	bus      *events.Bus
	logger   zerolog.Logger
	onResult ResultFunc

	records      map[string]*Record
	processed    map[string]string // order id -> accepted external trade id
	usedExternal map[string]string // external trade id -> order id
	lastPushSeen time.Time
	lastBalance  *int64
	feedHealthy  bool
	closed       bool
	unsubscribe  func()
}

// New creates a monitor for one mode session and subscribes it to the update
// feed. onResult is invoked exactly once per registered order, outside the
// monitor lock.
func New(cfg Config, clk clock.Clock, history broker.HistoryFeed, updates broker.UpdateFeed, mode string, bus *events.Bus, logger zerolog.Logger, onResult ResultFunc) *Monitor {
	m := &Monitor{
		cfg:          cfg,
		clk:          clk,
		history:      history,
		updates:      updates,
		mode:         mode,
		bus:          bus,
		logger:       logger.With().Str("component", "monitor").Logger(),
		onResult:     onResult,
		records:      make(map[string]*Record),
		processed:    make(map[string]string),
		usedExternal: make(map[string]string),
		feedHealthy:  true,
	}
	if updates != nil {
		m.unsubscribe = updates.Subscribe(m.HandleUpdate)
	}
	return m
}

// Register adds an order to the watch table.
func (m *Monitor) Register(orderID string, stake int64, direction broker.Direction, account broker.AccountKind, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.records[orderID] = &Record{
		OrderID:      orderID,
		Stake:        stake,
		Direction:    direction,
		Account:      account,
		RegisteredAt: at,
	}
	m.logger.Debug().Str("order_id", orderID).Int64("stake", stake).
		Str("direction", string(direction)).Msg("order registered for monitoring")
}

// Deregister removes a record without resolving it. Used when the trade sink
// rejected the order after registration.
func (m *Monitor) Deregister(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, orderID)
}

// Pending returns the number of unresolved records.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// ResolvedCount returns how many of this session's orders were resolved
// against a confirmed external trade id. Timeout and balance resolutions
// carry no external id and are not counted.
func (m *Monitor) ResolvedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processed)
}

// Run drives the poll sweep and the timeout sweep until ctx is cancelled.
// The poll interval tightens inside the priority window after a push
// sighting.
func (m *Monitor) Run(ctx context.Context) {
	for {
		timer := time.NewTimer(m.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.checkFeedHealth()
		m.sweepTimeouts()
		m.pollSweep(ctx)
	}
}

// Abandon discards all in-flight records without resolving them and detaches
// the monitor from the update feed. Used on mode stop.
func (m *Monitor) Abandon() {
	m.mu.Lock()
	n := len(m.records)
	m.records = make(map[string]*Record)
	m.processed = make(map[string]string)
	m.usedExternal = make(map[string]string)
	m.closed = true
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if n > 0 {
		m.logger.Warn().Int("abandoned", n).Msg("in-flight monitoring records discarded")
	}
}

// HandleUpdate processes one push event. Runs on the update feed's read
// goroutine.
func (m *Monitor) HandleUpdate(ev broker.UpdateEvent) {
	switch ev.Kind {
	case broker.EventDealResult, broker.EventClosed:
		m.handleResultEvent(ev)
	case broker.EventTradeUpdate, broker.EventOpened:
		m.notePushActivity()
	case broker.EventBalanceChanged:
		m.notePushActivity()
		m.handleBalanceEvent(ev)
	}
}

func (m *Monitor) notePushActivity() {
	m.mu.Lock()
	m.lastPushSeen = m.clk.Now()
	m.mu.Unlock()
}

func (m *Monitor) handleResultEvent(ev broker.UpdateEvent) {
	m.notePushActivity()

	win, ok := resultFromEvent(ev)
	if !ok {
		return
	}
	extID := ev.UUID
	if extID == "" {
		extID = ev.ID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	now := m.clk.Now()
	var verdict *Verdict
	// First match wins: the oldest unresolved record with the same stake and
	// direction inside the match window.
	for _, rec := range oldestFirst(m.records) {
		if rec.Completed || rec.Stake != ev.Amount || rec.Direction != ev.Direction {
			continue
		}
		if now.Sub(rec.RegisteredAt) > m.cfg.PushMatchWindow {
			continue
		}
		rec.SeenPush = true
		if v, resolved := m.resolveLocked(rec, win, extID, ev.Amount, MethodPush); resolved {
			verdict = &v
		}
		break
	}
	m.mu.Unlock()

	if verdict != nil {
		m.deliver(*verdict)
	}
}

func (m *Monitor) handleBalanceEvent(ev broker.UpdateEvent) {
	if ev.Balance == nil {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.lastBalance == nil {
		balance := *ev.Balance
		m.lastBalance = &balance
		m.mu.Unlock()
		return
	}
	delta := *ev.Balance - *m.lastBalance
	balance := *ev.Balance
	m.lastBalance = &balance

	if abs64(delta) <= m.cfg.BalanceNoiseThreshold {
		m.mu.Unlock()
		return
	}

	// Lowest-confidence source: only act when exactly one record is
	// eligible. With several candidates a guess could corrupt the staking
	// math, so leave resolution to the poll or the timeout.
	now := m.clk.Now()
	var eligible *Record
	count := 0
	for _, rec := range m.records {
		if rec.Completed || now.Sub(rec.RegisteredAt) > m.cfg.BalanceWindow {
			continue
		}
		eligible = rec
		count++
	}
	var verdict *Verdict
	if count == 1 {
		eligible.SeenBalance = true
		if v, resolved := m.resolveLocked(eligible, delta > 0, "", eligible.Stake, MethodBalance); resolved {
			verdict = &v
		}
	}
	m.mu.Unlock()

	if verdict != nil {
		m.deliver(*verdict)
	}
}

func (m *Monitor) pollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastPushSeen.IsZero() && m.clk.Now().Sub(m.lastPushSeen) <= m.cfg.PriorityWindow {
		return m.cfg.FastPollInterval
	}
	return m.cfg.SlowPollInterval
}

func (m *Monitor) checkFeedHealth() {
	if m.updates == nil {
		return
	}
	healthy := m.updates.Healthy()

	m.mu.Lock()
	changed := healthy != m.feedHealthy
	m.feedHealthy = healthy
	mode := m.mode
	m.mu.Unlock()

	if !changed || m.bus == nil {
		return
	}
	if healthy {
		m.bus.PublishStatus(mode, "update feed restored")
	} else {
		m.bus.PublishStatus(mode, "update feed unhealthy, detection degraded to polling")
	}
}

func (m *Monitor) sweepTimeouts() {
	m.mu.Lock()
	now := m.clk.Now()
	var verdicts []Verdict
	for _, rec := range oldestFirst(m.records) {
		if rec.Completed || now.Sub(rec.RegisteredAt) < m.cfg.ResultTimeout {
			continue
		}
		// Conservative default: a silent record costs a stake; a false win
		// would corrupt the staking math much worse.
		if v, resolved := m.resolveLocked(rec, false, "", rec.Stake, MethodTimeout); resolved {
			verdicts = append(verdicts, v)
		}
	}
	m.mu.Unlock()

	for _, v := range verdicts {
		m.deliver(v)
	}
}

// PollOnce runs one history sweep immediately. Exposed for the poll loop and
// for tests.
func (m *Monitor) PollOnce(ctx context.Context) {
	m.pollSweep(ctx)
}

func (m *Monitor) pollSweep(ctx context.Context) {
	m.mu.Lock()
	if len(m.records) == 0 || m.closed {
		m.mu.Unlock()
		return
	}
	account := anyAccount(m.records)
	m.mu.Unlock()

	trades, err := m.history.FetchRecent(ctx, account)
	if err != nil {
		m.logger.Debug().Err(err).Msg("history poll failed")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var verdicts []Verdict
	for _, rec := range oldestFirst(m.records) {
		if rec.Completed {
			continue
		}
		for _, trade := range trades {
			if !m.tradeMatchesLocked(rec, trade) {
				continue
			}
			rec.SeenPoll = true
			if v, resolved := m.resolveLocked(rec, trade.Status == broker.TradeWon, trade.UUID, trade.Amount, MethodPoll); resolved {
				verdicts = append(verdicts, v)
			}
			break
		}
	}
	m.mu.Unlock()

	for _, v := range verdicts {
		m.deliver(v)
	}
}

func (m *Monitor) tradeMatchesLocked(rec *Record, trade broker.TradeRecord) bool {
	if trade.Status != broker.TradeWon && trade.Status != broker.TradeLost {
		return false
	}
	if trade.Amount != rec.Stake || trade.Direction != rec.Direction || trade.DealType != rec.Account {
		return false
	}
	if _, used := m.usedExternal[trade.UUID]; used {
		return false
	}
	settled := trade.SettledAt()
	gap := settled.Sub(rec.RegisteredAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= m.cfg.SearchWindow
}

// resolveLocked marks a record completed and consumes its external trade id.
// Returns resolved=false when the record was already completed or the
// external id already resolved another order. Caller holds the lock.
func (m *Monitor) resolveLocked(rec *Record, win bool, externalID string, amount int64, method DetectionMethod) (Verdict, bool) {
	if rec.Completed {
		return Verdict{}, false
	}
	if externalID != "" {
		if owner, used := m.usedExternal[externalID]; used && owner != rec.OrderID {
			return Verdict{}, false
		}
		m.usedExternal[externalID] = rec.OrderID
		m.processed[rec.OrderID] = externalID
	}
	rec.Completed = true
	delete(m.records, rec.OrderID)

	return Verdict{
		OrderID:    rec.OrderID,
		ExternalID: externalID,
		IsWin:      win,
		Amount:     amount,
		Method:     method,
	}, true
}

func (m *Monitor) deliver(v Verdict) {
	m.logger.Info().Str("order_id", v.OrderID).Str("external_id", v.ExternalID).
		Bool("win", v.IsWin).Str("method", string(v.Method)).Msg("verdict")
	if m.onResult != nil {
		m.onResult(v)
	}
}

func resultFromEvent(ev broker.UpdateEvent) (bool, bool) {
	if ev.Win != nil {
		return *ev.Win, true
	}
	switch broker.TradeStatus(ev.Status) {
	case broker.TradeWon:
		return true, true
	case broker.TradeLost:
		return false, true
	}
	return false, false
}

func oldestFirst(records map[string]*Record) []*Record {
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RegisteredAt.Before(out[j-1].RegisteredAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func anyAccount(records map[string]*Record) broker.AccountKind {
	for _, rec := range records {
		return rec.Account
	}
	return broker.AccountDemo
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
