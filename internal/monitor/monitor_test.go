package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeHistory struct {
	mu     sync.Mutex
	trades []broker.TradeRecord
	err    error
}

func (f *fakeHistory) FetchRecent(ctx context.Context, account broker.AccountKind) ([]broker.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades, f.err
}

func (f *fakeHistory) set(trades []broker.TradeRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = trades
}

type fakeUpdates struct {
	mu       sync.Mutex
	handlers map[int]func(broker.UpdateEvent)
	next     int
	healthy  bool
}

func (f *fakeUpdates) Subscribe(h func(broker.UpdateEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]func(broker.UpdateEvent))
	}
	id := f.next
	f.next++
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeUpdates) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeUpdates) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

type verdictCollector struct {
	mu       sync.Mutex
	verdicts []Verdict
}

func (v *verdictCollector) collect(verdict Verdict) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verdicts = append(v.verdicts, verdict)
}

func (v *verdictCollector) all() []Verdict {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Verdict, len(v.verdicts))
	copy(out, v.verdicts)
	return out
}

func testSetup(t *testing.T) (*Monitor, *fakeClock, *fakeHistory, *verdictCollector) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)}
	history := &fakeHistory{}
	collector := &verdictCollector{}
	m := New(DefaultConfig(), clk, history, &fakeUpdates{healthy: true}, "follow_trend",
		nil, zerolog.Nop(), collector.collect)
	return m, clk, history, collector
}

func winPtr(v bool) *bool { return &v }

// TestPushResolvesOrder verifies a deal_result event resolves the matching
// record exactly once.
func TestPushResolvesOrder(t *testing.T) {
	m, clk, _, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	ev := broker.UpdateEvent{
		Kind:      broker.EventDealResult,
		UUID:      "ext-1",
		Amount:    10000,
		Direction: broker.DirectionUp,
		Win:       winPtr(true),
	}
	m.HandleUpdate(ev)

	verdicts := collector.all()
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.OrderID != "order-1" || !v.IsWin || v.Method != MethodPush || v.ExternalID != "ext-1" {
		t.Errorf("verdict = %+v, want order-1 win via push ext-1", v)
	}
	if m.Pending() != 0 {
		t.Errorf("pending = %d, want 0", m.Pending())
	}
	if m.ResolvedCount() != 1 {
		t.Errorf("resolved count = %d, want 1", m.ResolvedCount())
	}

	// Replay of the same event is a no-op.
	m.HandleUpdate(ev)
	if len(collector.all()) != 1 {
		t.Error("replayed push event must not produce a second verdict")
	}
	if m.ResolvedCount() != 1 {
		t.Errorf("resolved count after replay = %d, want 1", m.ResolvedCount())
	}
}

// TestPushMatchesOldestRecord verifies the oldest eligible record wins the
// match when several share stake and direction.
func TestPushMatchesOldestRecord(t *testing.T) {
	m, clk, _, collector := testSetup(t)
	m.Register("newer", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())
	m.Register("older", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now().Add(-30*time.Second))

	m.HandleUpdate(broker.UpdateEvent{
		Kind:      broker.EventDealResult,
		UUID:      "ext-1",
		Amount:    10000,
		Direction: broker.DirectionUp,
		Win:       winPtr(false),
	})

	verdicts := collector.all()
	if len(verdicts) != 1 || verdicts[0].OrderID != "older" {
		t.Fatalf("verdicts = %+v, want single verdict for the older record", verdicts)
	}
	if m.Pending() != 1 {
		t.Errorf("pending = %d, want 1 (the newer record)", m.Pending())
	}
}

// TestPushIgnoresMismatchedEvent verifies stake and direction must both
// match.
func TestPushIgnoresMismatchedEvent(t *testing.T) {
	m, clk, _, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	m.HandleUpdate(broker.UpdateEvent{
		Kind: broker.EventDealResult, UUID: "a", Amount: 20000,
		Direction: broker.DirectionUp, Win: winPtr(true),
	})
	m.HandleUpdate(broker.UpdateEvent{
		Kind: broker.EventDealResult, UUID: "b", Amount: 10000,
		Direction: broker.DirectionDown, Win: winPtr(true),
	})

	if len(collector.all()) != 0 {
		t.Errorf("verdicts = %+v, want none for mismatched events", collector.all())
	}
	if m.Pending() != 1 {
		t.Error("record should remain pending")
	}
}

// TestPollResolvesOrder verifies the history sweep resolves a record from a
// settled trade.
func TestPollResolvesOrder(t *testing.T) {
	m, clk, history, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	settled := clk.Now().Add(time.Minute)
	history.set([]broker.TradeRecord{
		{UUID: "ext-9", Status: broker.TradeWon, Amount: 10000, Direction: broker.DirectionUp,
			CreatedAt: clk.Now(), FinishedAt: &settled, DealType: broker.AccountDemo},
	})
	m.PollOnce(context.Background())

	verdicts := collector.all()
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}
	if verdicts[0].Method != MethodPoll || verdicts[0].ExternalID != "ext-9" || !verdicts[0].IsWin {
		t.Errorf("verdict = %+v, want win via poll ext-9", verdicts[0])
	}

	// Re-polling the same history must not double-resolve.
	m.Register("order-2", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())
	m.PollOnce(context.Background())
	if len(collector.all()) != 1 {
		t.Error("consumed external id must not resolve another record")
	}
}

// TestPollExternalIDUsedOnce verifies one history trade cannot resolve two
// orders even when both match it.
func TestPollExternalIDUsedOnce(t *testing.T) {
	m, clk, history, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now().Add(-10*time.Second))
	m.Register("order-2", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	settled := clk.Now()
	history.set([]broker.TradeRecord{
		{UUID: "ext-1", Status: broker.TradeLost, Amount: 10000, Direction: broker.DirectionUp,
			CreatedAt: clk.Now().Add(-10 * time.Second), FinishedAt: &settled, DealType: broker.AccountDemo},
	})
	m.PollOnce(context.Background())

	verdicts := collector.all()
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1 (one trade, one resolution)", len(verdicts))
	}
	if verdicts[0].OrderID != "order-1" {
		t.Errorf("resolved %s, want the older order-1", verdicts[0].OrderID)
	}
	if m.Pending() != 1 {
		t.Error("second record should still be pending")
	}
}

// TestPollIgnoresOpenTrades verifies only settled statuses count.
func TestPollIgnoresOpenTrades(t *testing.T) {
	m, clk, history, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	history.set([]broker.TradeRecord{
		{UUID: "ext-1", Status: broker.TradeOpen, Amount: 10000, Direction: broker.DirectionUp,
			CreatedAt: clk.Now(), DealType: broker.AccountDemo},
		{UUID: "ext-2", Status: broker.TradeCanceled, Amount: 10000, Direction: broker.DirectionUp,
			CreatedAt: clk.Now(), DealType: broker.AccountDemo},
	})
	m.PollOnce(context.Background())

	if len(collector.all()) != 0 {
		t.Errorf("verdicts = %+v, want none for unsettled trades", collector.all())
	}
}

// TestPollWindowExcludesStaleTrades verifies a trade settled far from the
// registration time never matches.
func TestPollWindowExcludesStaleTrades(t *testing.T) {
	m, clk, history, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	settled := clk.Now().Add(-10 * time.Minute)
	history.set([]broker.TradeRecord{
		{UUID: "ext-old", Status: broker.TradeWon, Amount: 10000, Direction: broker.DirectionUp,
			CreatedAt: settled, FinishedAt: &settled, DealType: broker.AccountDemo},
	})
	m.PollOnce(context.Background())

	if len(collector.all()) != 0 {
		t.Errorf("verdicts = %+v, want none for out-of-window trade", collector.all())
	}
}

// TestBalanceDeltaResolvesSingleOrder verifies the heuristic acts when
// exactly one record is eligible.
func TestBalanceDeltaResolvesSingleOrder(t *testing.T) {
	m, clk, _, collector := testSetup(t)

	// First balance event only seeds the baseline.
	base := int64(1_000_000)
	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventBalanceChanged, Balance: &base})

	m.Register("order-1", 100000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	up := base + 80000
	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventBalanceChanged, Balance: &up})

	verdicts := collector.all()
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}
	if !verdicts[0].IsWin || verdicts[0].Method != MethodBalance {
		t.Errorf("verdict = %+v, want win via balance", verdicts[0])
	}
}

// TestBalanceDeltaAmbiguousIsNoOp verifies the heuristic never guesses when
// two records are eligible.
func TestBalanceDeltaAmbiguousIsNoOp(t *testing.T) {
	m, clk, _, collector := testSetup(t)

	base := int64(1_000_000)
	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventBalanceChanged, Balance: &base})

	m.Register("order-1", 100000, broker.DirectionUp, broker.AccountDemo, clk.Now())
	m.Register("order-2", 100000, broker.DirectionDown, broker.AccountDemo, clk.Now())

	down := base - 100000
	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventBalanceChanged, Balance: &down})

	if len(collector.all()) != 0 {
		t.Errorf("verdicts = %+v, want none with two eligible records", collector.all())
	}
	if m.Pending() != 2 {
		t.Error("both records should remain pending")
	}
}

// TestBalanceDeltaBelowNoiseIsNoOp verifies small balance movements are
// ignored.
func TestBalanceDeltaBelowNoiseIsNoOp(t *testing.T) {
	m, clk, _, collector := testSetup(t)

	base := int64(1_000_000)
	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventBalanceChanged, Balance: &base})
	m.Register("order-1", 100000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	noisy := base + 100
	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventBalanceChanged, Balance: &noisy})

	if len(collector.all()) != 0 {
		t.Error("sub-threshold balance delta must not resolve anything")
	}
}

// TestTimeoutResolvesAsLoss verifies a silent record is force-resolved as a
// conservative loss after the timeout.
func TestTimeoutResolvesAsLoss(t *testing.T) {
	m, clk, _, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	clk.Advance(89 * time.Second)
	m.sweepTimeouts()
	if len(collector.all()) != 0 {
		t.Fatal("record must not time out before the deadline")
	}

	clk.Advance(2 * time.Second)
	m.sweepTimeouts()

	verdicts := collector.all()
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}
	if verdicts[0].IsWin || verdicts[0].Method != MethodTimeout {
		t.Errorf("verdict = %+v, want loss via timeout", verdicts[0])
	}
	// No external trade id was ever confirmed for this order.
	if m.ResolvedCount() != 0 {
		t.Errorf("resolved count = %d, want 0 for a timeout resolution", m.ResolvedCount())
	}
}

// TestDeregisterRemovesSilently verifies a deregistered order never resolves.
func TestDeregisterRemovesSilently(t *testing.T) {
	m, clk, _, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())
	m.Deregister("order-1")

	clk.Advance(5 * time.Minute)
	m.sweepTimeouts()

	if m.Pending() != 0 {
		t.Error("deregistered order should not be pending")
	}
	if len(collector.all()) != 0 {
		t.Error("deregistered order must not produce a verdict")
	}
}

// TestAbandonDiscardsAndCloses verifies Abandon drops records and blocks
// later signals from a still-subscribed feed.
func TestAbandonDiscardsAndCloses(t *testing.T) {
	m, clk, _, collector := testSetup(t)
	m.Register("order-1", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())

	m.Abandon()
	if m.Pending() != 0 {
		t.Error("abandon should clear all records")
	}

	m.HandleUpdate(broker.UpdateEvent{
		Kind: broker.EventDealResult, UUID: "ext-1", Amount: 10000,
		Direction: broker.DirectionUp, Win: winPtr(true),
	})
	m.Register("late", 10000, broker.DirectionUp, broker.AccountDemo, clk.Now())
	if m.Pending() != 0 {
		t.Error("a closed monitor must reject late registrations")
	}
	if len(collector.all()) != 0 {
		t.Error("a closed monitor must not deliver verdicts")
	}
}

// TestAbandonDetachesFromFeed verifies Abandon removes the monitor's handler
// from the update feed, so repeated sessions do not accumulate dead handlers.
func TestAbandonDetachesFromFeed(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)}
	feed := &fakeUpdates{healthy: true}
	m := New(DefaultConfig(), clk, &fakeHistory{}, feed, "follow_trend", nil, zerolog.Nop(), nil)

	if feed.handlerCount() != 1 {
		t.Fatalf("handlers after New = %d, want 1", feed.handlerCount())
	}
	m.Abandon()
	if feed.handlerCount() != 0 {
		t.Errorf("handlers after Abandon = %d, want 0", feed.handlerCount())
	}
	// A second Abandon is a no-op.
	m.Abandon()
	if feed.handlerCount() != 0 {
		t.Errorf("handlers after second Abandon = %d, want 0", feed.handlerCount())
	}
}

// TestPollIntervalTightensAfterPush verifies the adaptive interval.
func TestPollIntervalTightensAfterPush(t *testing.T) {
	m, clk, _, _ := testSetup(t)

	if got := m.pollInterval(); got != DefaultConfig().SlowPollInterval {
		t.Errorf("idle interval = %v, want slow %v", got, DefaultConfig().SlowPollInterval)
	}

	m.HandleUpdate(broker.UpdateEvent{Kind: broker.EventTradeUpdate})
	if got := m.pollInterval(); got != DefaultConfig().FastPollInterval {
		t.Errorf("interval after push = %v, want fast %v", got, DefaultConfig().FastPollInterval)
	}

	clk.Advance(3 * time.Second)
	if got := m.pollInterval(); got != DefaultConfig().SlowPollInterval {
		t.Errorf("interval after priority window = %v, want slow again", got)
	}
}

// TestResultFromEvent covers the status-string fallback when the win flag is
// absent.
func TestResultFromEvent(t *testing.T) {
	if win, ok := resultFromEvent(broker.UpdateEvent{Status: "won"}); !ok || !win {
		t.Error("status won should read as a win")
	}
	if win, ok := resultFromEvent(broker.UpdateEvent{Status: "lost"}); !ok || win {
		t.Error("status lost should read as a loss")
	}
	if _, ok := resultFromEvent(broker.UpdateEvent{Status: "open"}); ok {
		t.Error("non-terminal status should not read as a result")
	}
	if win, ok := resultFromEvent(broker.UpdateEvent{Win: winPtr(false), Status: "won"}); !ok || win {
		t.Error("explicit win flag should take precedence over status")
	}
}
