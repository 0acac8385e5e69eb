package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MockBroker simulates the broker end to end: a random-walk price series,
// trades that settle after a fixed expiry, push events for settlements and
// balance changes, and a settled-trade history. Used in dry-run mode and in
// tests when no real broker is reachable.
type MockBroker struct {
	mu sync.Mutex

	price       float64
	balance     int64
	payout      float64
	expiry      time.Duration
	handlers    map[int]func(UpdateEvent)
	nextHandler int
	history     []TradeRecord
	rng         *rand.Rand

	logger zerolog.Logger
}

// NewMockBroker creates a mock broker with the given starting balance in
// minor units.
func NewMockBroker(startBalance int64, logger zerolog.Logger) *MockBroker {
	return &MockBroker{
		price:    100.0,
		balance:  startBalance,
		payout:   0.85,
		expiry:   5 * time.Second,
		handlers: make(map[int]func(UpdateEvent)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger.With().Str("component", "mock-broker").Logger(),
	}
}

// FetchLatestCandles returns simulated minute candles ending near asOf.
func (m *MockBroker) FetchLatestCandles(ctx context.Context, asset string, asOf time.Time) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candles := make([]Candle, 0, 10)
	t := asOf.Truncate(time.Minute).Add(-9 * time.Minute)
	for i := 0; i < 10; i++ {
		open := m.price
		m.price += (m.rng.Float64() - 0.5) * 0.1
		candles = append(candles, Candle{
			Open:  open,
			High:  maxFloat(open, m.price) + m.rng.Float64()*0.02,
			Low:   minFloat(open, m.price) - m.rng.Float64()*0.02,
			Close: m.price,
			Time:  t,
		})
		t = t.Add(time.Minute)
	}
	return candles, nil
}

// Place accepts a trade and schedules its settlement after the expiry.
func (m *MockBroker) Place(ctx context.Context, asset string, direction Direction, stake int64, account AccountKind, ref string) error {
	m.mu.Lock()
	m.balance -= stake
	expiry := m.expiry
	m.mu.Unlock()

	m.logger.Info().Str("asset", asset).Str("direction", string(direction)).
		Int64("stake", stake).Str("ref", ref).Msg("mock trade accepted")

	go func() {
		time.Sleep(expiry)
		m.settle(ref, direction, stake, account)
	}()
	return nil
}

func (m *MockBroker) settle(ref string, direction Direction, stake int64, account AccountKind) {
	m.mu.Lock()
	win := m.rng.Float64() < 0.5
	status := TradeLost
	if win {
		status = TradeWon
		m.balance += stake + int64(float64(stake)*m.payout)
	}
	now := time.Now()
	record := TradeRecord{
		UUID:       ref,
		Status:     status,
		Amount:     stake,
		Direction:  direction,
		CreatedAt:  now.Add(-m.expiry),
		FinishedAt: &now,
		DealType:   account,
	}
	m.history = append([]TradeRecord{record}, m.history...)
	if len(m.history) > 100 {
		m.history = m.history[:100]
	}
	balance := m.balance
	handlers := make([]func(UpdateEvent), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	winCopy := win
	for _, handler := range handlers {
		handler(UpdateEvent{
			Kind:      EventDealResult,
			UUID:      ref,
			Status:    string(status),
			Amount:    stake,
			Direction: direction,
			Win:       &winCopy,
			Time:      now,
		})
		handler(UpdateEvent{
			Kind:    EventBalanceChanged,
			Balance: &balance,
			Time:    now,
		})
	}
}

// FetchRecent returns the simulated settled-trade history, newest first.
func (m *MockBroker) FetchRecent(ctx context.Context, account AccountKind) ([]TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TradeRecord, 0, len(m.history))
	for _, t := range m.history {
		if t.DealType == account {
			out = append(out, t)
		}
	}
	return out, nil
}

// Subscribe registers a push event handler; the returned cancel function
// removes it.
func (m *MockBroker) Subscribe(handler func(UpdateEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Healthy always reports true for the mock.
func (m *MockBroker) Healthy() bool { return true }

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
