package kernel

import (
	"math"
	"testing"
)

func buildTestLadder(t *testing.T) *GridLadder {
	t.Helper()
	cfg := GridConfiguration{
		Symbol:           "BTCUSDT",
		TierLabel:        "300-500",
		GridCount:        6,
		RangePercent:     0.03,
		MaxPositionRatio: 0.85,
		TotalCapital:     350,
		Leverage:         1,
	}
	ladder, err := BuildLadder(50000, cfg)
	if err != nil {
		t.Fatalf("BuildLadder failed: %v", err)
	}
	return ladder
}

func openOrderFor(ladder *GridLadder, idx int, orderID string) OpenOrder {
	l := ladder.Levels[idx]
	return OpenOrder{OrderID: orderID, Side: l.Side, Price: l.Price, Qty: l.Size}
}

func TestReconcilePlannedLevelsEmitCreates(t *testing.T) {
	ladder := buildTestLadder(t)

	plan := Reconcile(ladder, nil)

	creates := 0
	for _, a := range plan.Actions {
		if a.Type == ActionCreate {
			creates++
		}
	}
	if creates != len(ladder.Levels) {
		t.Errorf("Expected %d creates for a fresh ladder, got %d", len(ladder.Levels), creates)
	}
	if len(plan.Adopts) != 0 || len(plan.Reverts) != 0 {
		t.Errorf("Fresh ladder should only create: %+v", plan)
	}
}

func TestReconcileAdoptsIdenticalRestingOrder(t *testing.T) {
	ladder := buildTestLadder(t)

	// Level 0's order already rests on the exchange (confirmation raced).
	open := []OpenOrder{openOrderFor(ladder, 0, "ord-1")}
	plan := Reconcile(ladder, open)

	if len(plan.Adopts) != 1 {
		t.Fatalf("Expected 1 adoption, got %d", len(plan.Adopts))
	}
	if plan.Adopts[0].LevelIdx != 0 || plan.Adopts[0].OrderID != "ord-1" {
		t.Errorf("Wrong adoption: %+v", plan.Adopts[0])
	}

	// No duplicate create for the adopted level, no cancel for its order.
	for _, a := range plan.Actions {
		if a.Type == ActionCreate && a.LevelIdx == 0 {
			t.Error("Adopted level must not be created again")
		}
		if a.Type == ActionCancel && a.OrderID == "ord-1" {
			t.Error("Adopted order must not be cancelled")
		}
	}
}

func TestReconcileIdempotentCreate(t *testing.T) {
	ladder := buildTestLadder(t)

	// First application: the create went through and the order rests.
	ladder.Levels[0].State = LevelPending
	ladder.Levels[0].OrderID = "ord-1"
	open := []OpenOrder{openOrderFor(ladder, 0, "ord-1")}

	plan := Reconcile(ladder, open)
	for _, a := range plan.Actions {
		if a.Type == ActionCreate && a.LevelIdx == 0 {
			t.Error("Second application of the same create must be a no-op")
		}
	}
	if len(plan.Adopts) != 1 {
		t.Errorf("Pending level with live order should confirm to open, got %+v", plan)
	}
}

func TestReconcileCancelsStrayOrders(t *testing.T) {
	ladder := buildTestLadder(t)

	stray := OpenOrder{OrderID: "stale-9", Side: SideBuy, Price: 43210.5, Qty: 0.002}
	plan := Reconcile(ladder, []OpenOrder{stray})

	found := false
	for _, a := range plan.Actions {
		if a.Type == ActionCancel && a.OrderID == "stale-9" {
			found = true
		}
	}
	if !found {
		t.Error("Order matching no level should be cancelled")
	}
}

func TestReconcileRevertsVanishedOrder(t *testing.T) {
	ladder := buildTestLadder(t)
	ladder.Levels[2].State = LevelOpen
	ladder.Levels[2].OrderID = "gone-1"

	plan := Reconcile(ladder, nil)

	if len(plan.Reverts) != 1 || plan.Reverts[0] != 2 {
		t.Errorf("Expected level 2 revert, got %+v", plan.Reverts)
	}
}

func TestReconcileDegradedLadderEmitsNoCreates(t *testing.T) {
	ladder := buildTestLadder(t)
	ladder.Degraded = true

	stray := OpenOrder{OrderID: "old-1", Side: SideSell, Price: 51000, Qty: 0.001}
	plan := Reconcile(ladder, []OpenOrder{stray})

	for _, a := range plan.Actions {
		if a.Type == ActionCreate {
			t.Error("Degraded ladder must not create orders")
		}
	}
	// Strays still go so the retried rebalance can complete.
	cancels := 0
	for _, a := range plan.Actions {
		if a.Type == ActionCancel {
			cancels++
		}
	}
	if cancels != 1 {
		t.Errorf("Expected stray cancel while degraded, got %d", cancels)
	}
}

func TestCancelAllListsRestingLevels(t *testing.T) {
	ladder := buildTestLadder(t)
	ladder.Levels[0].State = LevelOpen
	ladder.Levels[0].OrderID = "a"
	ladder.Levels[1].State = LevelPending
	ladder.Levels[1].OrderID = "b"
	ladder.Levels[2].State = LevelFilled
	ladder.Levels[2].OrderID = "c"

	actions := CancelAll(ladder)
	if len(actions) != 2 {
		t.Fatalf("Expected 2 cancels, got %d", len(actions))
	}
	for _, a := range actions {
		if a.Type != ActionCancel {
			t.Errorf("Expected cancel action, got %v", a.Type)
		}
		if a.OrderID == "c" {
			t.Error("Filled level must not be cancelled")
		}
	}
}

func TestApplyFillsSpawnsCounterLevel(t *testing.T) {
	ladder := buildTestLadder(t)
	ladder.Levels[0].State = LevelOpen
	ladder.Levels[0].OrderID = "buy-1"
	buy := ladder.Levels[0]

	fills := []Execution{{OrderID: "buy-1", Side: SideBuy, Price: buy.Price, Qty: buy.Size, IsMaker: true}}
	outcomes := ApplyFills(ladder, fills, FeeSchedule{Maker: 0.0002, Taker: 0.0055})

	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}
	out := outcomes[0]

	if ladder.Levels[0].State != LevelFilled {
		t.Errorf("Filled level should be marked filled, got %v", ladder.Levels[0].State)
	}
	if out.RealizedPnl != 0 {
		t.Errorf("Opening leg should realize no PnL, got %v", out.RealizedPnl)
	}
	if out.Fee <= 0 {
		t.Errorf("Fill should accrue a fee, got %v", out.Fee)
	}
	if out.Counter == nil {
		t.Fatal("Filled buy should spawn a counter sell")
	}
	if out.Counter.Side != SideSell {
		t.Errorf("Expected sell counter, got %s", out.Counter.Side)
	}
	if math.Abs(out.Counter.Price-(buy.Price+ladder.Step)) > 0.01 {
		t.Errorf("Counter should sit one step above the fill: %v vs %v", out.Counter.Price, buy.Price+ladder.Step)
	}
	if out.Counter.EntryPrice != buy.Price {
		t.Errorf("Counter should remember the entry price %v, got %v", buy.Price, out.Counter.EntryPrice)
	}
	if len(ladder.Levels) != 7 {
		t.Errorf("Counter level should join the ladder, got %d levels", len(ladder.Levels))
	}
}

func TestApplyFillsRealizesRoundTripPnl(t *testing.T) {
	ladder := buildTestLadder(t)
	fees := FeeSchedule{Maker: 0.0002, Taker: 0.0055}

	// A sell spawned from a buy filled at 49766.67.
	entry := 49766.67
	exitPrice := entry + ladder.Step
	qty := 0.005
	ladder.Levels = append(ladder.Levels, GridLevel{
		Index:      1,
		Price:      exitPrice,
		Side:       SideSell,
		Size:       qty,
		State:      LevelOpen,
		OrderID:    "sell-1",
		EntryPrice: entry,
	})

	fills := []Execution{{OrderID: "sell-1", Side: SideSell, Price: exitPrice, Qty: qty, IsMaker: true}}
	outcomes := ApplyFills(ladder, fills, fees)

	if len(outcomes) != 1 {
		t.Fatalf("Expected 1 outcome, got %d", len(outcomes))
	}

	gross := (exitPrice - entry) * qty
	feeTotal := (entry + exitPrice) * qty * fees.Maker
	expected := gross - feeTotal
	if math.Abs(outcomes[0].RealizedPnl-expected) > 1e-9 {
		t.Errorf("Expected realized pnl %.8f, got %.8f", expected, outcomes[0].RealizedPnl)
	}
}

func TestApplyFillsDeduplicatesCounter(t *testing.T) {
	ladder := buildTestLadder(t)
	ladder.Levels[0].State = LevelOpen
	ladder.Levels[0].OrderID = "buy-1"
	buy := ladder.Levels[0]

	// A planned level already sits exactly where the counter would go.
	counter := ladder.CounterLevel(buy)
	counter.EntryPrice = buy.Price
	ladder.Levels = append(ladder.Levels, counter)
	before := len(ladder.Levels)

	fills := []Execution{{OrderID: "buy-1", Side: SideBuy, Price: buy.Price, Qty: buy.Size, IsMaker: true}}
	outcomes := ApplyFills(ladder, fills, FeeSchedule{Maker: 0.0002, Taker: 0.0055})

	if outcomes[0].Counter != nil {
		t.Error("Duplicate counter should be suppressed")
	}
	if len(ladder.Levels) != before {
		t.Errorf("Ladder should not grow on duplicate counter: %d -> %d", before, len(ladder.Levels))
	}
}

func TestApplyFillsIgnoresUnknownOrder(t *testing.T) {
	ladder := buildTestLadder(t)

	fills := []Execution{{OrderID: "foreign-1", Side: SideBuy, Price: 50000, Qty: 0.001, IsMaker: false}}
	outcomes := ApplyFills(ladder, fills, FeeSchedule{Maker: 0.0002, Taker: 0.0055})

	if len(outcomes) != 0 {
		t.Errorf("Foreign fill should be ignored, got %+v", outcomes)
	}
}
