package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binary-options-bot/internal/broker"
	"binary-options-bot/internal/clock"
)

type fakeSink struct {
	mu     sync.Mutex
	placed int
	err    error
}

func (f *fakeSink) Place(ctx context.Context, asset string, direction broker.Direction, stake int64, account broker.AccountKind, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.placed++
	return nil
}

func (f *fakeSink) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed
}

type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []string
	deregistered []string
}

func (f *fakeRegistrar) Register(orderID string, stake int64, direction broker.Direction, account broker.AccountKind, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, orderID)
}

func (f *fakeRegistrar) Deregister(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, orderID)
}

func newTestCoordinator(sink *fakeSink, reg *fakeRegistrar, active func() bool) *Coordinator {
	return NewCoordinator(clock.System(), sink, reg, nil, nil, zerolog.Nop(),
		ModeFollowTrend, "EURUSD", broker.AccountDemo, active)
}

func alwaysActive() bool { return true }

// TestExecuteOrderPlacesAndRegisters covers the plain placement path.
func TestExecuteOrderPlacesAndRegisters(t *testing.T) {
	sink := &fakeSink{}
	reg := &fakeRegistrar{}
	c := newTestCoordinator(sink, reg, alwaysActive)

	order, err := c.ExecuteOrder(context.Background(), broker.DirectionUp, 10000, SourceCycle)
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}
	if order.ID == "" {
		t.Error("order should receive an id")
	}
	if order.Stake != 10000 || order.Direction != broker.DirectionUp {
		t.Errorf("order = %+v, want stake 10000 up", order)
	}
	if sink.placedCount() != 1 {
		t.Errorf("sink placements = %d, want 1", sink.placedCount())
	}
	if len(reg.registered) != 1 || reg.registered[0] != order.ID {
		t.Errorf("registrar saw %v, want [%s]", reg.registered, order.ID)
	}
	if !c.Pending() {
		t.Error("order should be pending until its verdict arrives")
	}
}

// TestExecuteOrderSingleFlight verifies a second request is rejected while
// the first order awaits its verdict.
func TestExecuteOrderSingleFlight(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCoordinator(sink, &fakeRegistrar{}, alwaysActive)

	if _, err := c.ExecuteOrder(context.Background(), broker.DirectionUp, 10000, SourceCycle); err != nil {
		t.Fatalf("first order: %v", err)
	}
	if _, err := c.ExecuteOrder(context.Background(), broker.DirectionDown, 20000, SourceStaking); !errors.Is(err, ErrOrderPending) {
		t.Fatalf("second order err = %v, want ErrOrderPending", err)
	}
	if sink.placedCount() != 1 {
		t.Errorf("sink placements = %d, want 1", sink.placedCount())
	}
}

// TestExecuteOrderConcurrentSingleFlight races many placements; exactly one
// may reach the sink.
func TestExecuteOrderConcurrentSingleFlight(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCoordinator(sink, &fakeRegistrar{}, alwaysActive)

	const attempts = 16
	var wg sync.WaitGroup
	var successes, rejections int64
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ExecuteOrder(context.Background(), broker.DirectionUp, 10000, SourceCycle)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrOrderPending):
				rejections++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
	if rejections != attempts-1 {
		t.Errorf("rejections = %d, want %d", rejections, attempts-1)
	}
	if sink.placedCount() != 1 {
		t.Errorf("sink placements = %d, want 1", sink.placedCount())
	}
}

// TestExecuteOrderInactiveMode verifies placement is refused once the mode
// stopped.
func TestExecuteOrderInactiveMode(t *testing.T) {
	sink := &fakeSink{}
	c := newTestCoordinator(sink, &fakeRegistrar{}, func() bool { return false })

	if _, err := c.ExecuteOrder(context.Background(), broker.DirectionUp, 10000, SourceCycle); !errors.Is(err, ErrModeInactive) {
		t.Fatalf("err = %v, want ErrModeInactive", err)
	}
	if sink.placedCount() != 0 {
		t.Error("sink must not be reached for an inactive mode")
	}
}

// TestExecuteOrderRollbackOnSinkFailure verifies a rejected placement is
// removed, deregistered and leaves the gate open for the next attempt.
func TestExecuteOrderRollbackOnSinkFailure(t *testing.T) {
	sink := &fakeSink{err: errors.New("insufficient balance")}
	reg := &fakeRegistrar{}
	c := newTestCoordinator(sink, reg, alwaysActive)

	if _, err := c.ExecuteOrder(context.Background(), broker.DirectionUp, 10000, SourceCycle); err == nil {
		t.Fatal("expected sink failure to propagate")
	}
	if c.Pending() {
		t.Error("failed placement must not leave the gate closed")
	}
	if len(c.Orders()) != 0 {
		t.Errorf("order list = %v, want empty after rollback", c.Orders())
	}
	if len(reg.deregistered) != 1 {
		t.Errorf("deregistrations = %d, want 1", len(reg.deregistered))
	}

	// A subsequent placement goes through.
	sink.err = nil
	if _, err := c.ExecuteOrder(context.Background(), broker.DirectionDown, 10000, SourceCycle); err != nil {
		t.Fatalf("placement after rollback: %v", err)
	}
}

// TestMarkExecutedOneShot verifies the verdict applies exactly once.
func TestMarkExecutedOneShot(t *testing.T) {
	c := newTestCoordinator(&fakeSink{}, &fakeRegistrar{}, alwaysActive)

	order, err := c.ExecuteOrder(context.Background(), broker.DirectionUp, 10000, SourceCycle)
	if err != nil {
		t.Fatalf("ExecuteOrder: %v", err)
	}

	settled, ok := c.MarkExecuted(order.ID, true)
	if !ok {
		t.Fatal("first verdict should apply")
	}
	if !settled.Executed || settled.Win == nil || !*settled.Win {
		t.Errorf("settled order = %+v, want executed win", settled)
	}
	if c.Pending() {
		t.Error("gate should reopen after the verdict")
	}

	if _, ok := c.MarkExecuted(order.ID, false); ok {
		t.Error("second verdict for the same order must be ignored")
	}
	if _, ok := c.MarkExecuted("no-such-order", true); ok {
		t.Error("verdict for an unknown order must be ignored")
	}
}
