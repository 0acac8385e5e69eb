package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/clock"
	"binary-options-bot/internal/events"
)

var (
	// ErrModeInactive is returned when an order is requested after the mode
	// stopped.
	ErrModeInactive = errors.New("mode not active")
	// ErrOrderPending is returned when an order is still awaiting its
	// verdict; at most one order is in flight per mode.
	ErrOrderPending = errors.New("order already pending")
)

// Registrar registers placed orders for result watching.
type Registrar interface {
	Register(orderID string, stake int64, direction broker.Direction, account broker.AccountKind, at time.Time)
	Deregister(orderID string)
}

// OrderJournal mirrors placed orders to external storage for post-crash
// inspection. Best effort; implementations must never fail the caller.
type OrderJournal interface {
	RecordPlaced(ctx context.Context, mode string, order Order)
	RecordResult(ctx context.Context, mode string, orderID string, win bool, externalID string)
}

// Coordinator is the single-flight gate for order placement. The mutex
// serializes in-memory mutation only; the outbound sink call happens after
// the lock is released so slow placements never block reconciliation
// callbacks.
type Coordinator struct {
	mu sync.Mutex

	clk       clock.Clock
	sink      broker.TradeSink
	registrar Registrar
	journal   OrderJournal
	bus       *events.Bus
	logger    zerolog.Logger

	mode    string
	asset   string
	account broker.AccountKind
	active  func() bool

	orders  []*Order
	pending bool
}

// NewCoordinator creates a coordinator for one mode session. active is
// re-read after every suspension point; journal may be nil.
func NewCoordinator(clk clock.Clock, sink broker.TradeSink, registrar Registrar, journal OrderJournal, bus *events.Bus, logger zerolog.Logger, mode, asset string, account broker.AccountKind, active func() bool) *Coordinator {
	return &Coordinator{
		clk:       clk,
		sink:      sink,
		registrar: registrar,
		journal:   journal,
		bus:       bus,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		mode:      mode,
		asset:     asset,
		account:   account,
		active:    active,
	}
}

// ExecuteOrder places exactly one order for a decision point: it appends the
// order, registers it for monitoring, then invokes the trade sink. A sink
// failure rolls the registration back and is returned to the caller, who
// restarts the cycle rather than retrying the same order.
func (c *Coordinator) ExecuteOrder(ctx context.Context, direction broker.Direction, stake int64, source OrderSource) (*Order, error) {
	c.mu.Lock()
	if !c.active() {
		c.mu.Unlock()
		return nil, ErrModeInactive
	}
	if c.pending {
		c.mu.Unlock()
		return nil, ErrOrderPending
	}

	order := &Order{
		ID:        uuid.NewString(),
		Asset:     c.asset,
		Direction: direction,
		Stake:     stake,
		CreatedAt: c.clk.Now(),
		Source:    source,
	}
	c.orders = append(c.orders, order)
	c.pending = true
	c.registrar.Register(order.ID, stake, direction, c.account, order.CreatedAt)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info().Str("order_id", order.ID).Str("direction", string(direction)).
		Int64("stake", stake).Str("source", string(source)).Msg("placing order")
	if c.journal != nil {
		c.journal.RecordPlaced(ctx, c.mode, *order)
	}
	if c.bus != nil {
		c.bus.PublishOrdersChanged(c.mode, snapshot)
	}

	if err := c.sink.Place(ctx, c.asset, direction, stake, c.account, order.ID); err != nil {
		c.rollback(order.ID)
		return nil, fmt.Errorf("trade sink rejected order: %w", err)
	}

	// The mode may have stopped while the sink call was in flight; the
	// verdict path re-checks liveness too, so nothing else to do here.
	return order, nil
}

// MarkExecuted applies the verdict to the order. The executed flag flips
// exactly once; a second call for the same order is a no-op.
func (c *Coordinator) MarkExecuted(orderID string, win bool) (Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, order := range c.orders {
		if order.ID != orderID {
			continue
		}
		if order.Executed {
			return Order{}, false
		}
		order.Executed = true
		winCopy := win
		order.Win = &winCopy
		c.pending = false
		return *order, true
	}
	return Order{}, false
}

// Orders returns a snapshot of the append-only order list.
func (c *Coordinator) Orders() []Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Pending reports whether an order is awaiting its verdict.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *Coordinator) rollback(orderID string) {
	c.mu.Lock()
	for i, order := range c.orders {
		if order.ID == orderID {
			c.orders = append(c.orders[:i], c.orders[i+1:]...)
			break
		}
	}
	c.pending = false
	c.registrar.Deregister(orderID)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Warn().Str("order_id", orderID).Msg("order rolled back after sink failure")
	if c.bus != nil {
		c.bus.PublishOrdersChanged(c.mode, snapshot)
	}
}

func (c *Coordinator) snapshotLocked() []Order {
	out := make([]Order, len(c.orders))
	for i, order := range c.orders {
		out[i] = *order
	}
	return out
}
