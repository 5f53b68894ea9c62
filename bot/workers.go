package bot

import (
	"context"
	"fmt"
	"sync"

	"gridbot/kernel"
	"gridbot/trader"
)

// maxConcurrentOrders bounds in-flight exchange calls per plan.
const maxConcurrentOrders = 5

// actionResult pairs an executed order action with its outcome.
type actionResult struct {
	Action  kernel.OrderAction
	OrderID string // exchange id for successful creates
	Err     error
}

// executePlan runs the plan's actions against the exchange with bounded
// concurrency. Requests are prepared up front in the loop goroutine so
// workers never read the ladder; results come back indexed by action and
// are applied by the caller after Wait, keeping single-writer ownership.
func (b *Bot) executePlan(ctx context.Context, actions []kernel.OrderAction) []actionResult {
	results := make([]actionResult, len(actions))
	requests := make([]*trader.LimitOrderRequest, len(actions))
	for i, action := range actions {
		results[i].Action = action
		if action.Type != kernel.ActionCreate {
			continue
		}
		level := b.ladder.Levels[action.LevelIdx]
		b.orderSeq++
		requests[i] = &trader.LimitOrderRequest{
			Symbol:   b.cfg.Trading.Symbol,
			Side:     level.Side,
			Price:    level.Price,
			Qty:      level.Size,
			PostOnly: b.cfg.Order.PostOnly,
			// one client id per logical order, reused across retry attempts
			ClientID: fmt.Sprintf("grid-%d-%d", b.ladder.Seq, b.orderSeq),
		}
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxConcurrentOrders)
	for i := range actions {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			results[i].OrderID, results[i].Err = b.runAction(ctx, actions[i], requests[i])
		}(i)
	}
	wg.Wait()
	return results
}

// runAction performs one exchange call behind the retry policy.
func (b *Bot) runAction(ctx context.Context, action kernel.OrderAction, req *trader.LimitOrderRequest) (string, error) {
	switch action.Type {
	case kernel.ActionCreate:
		var orderID string
		err := b.retry.Do(ctx, "place order", func() error {
			res, err := b.exchange.PlaceLimitOrder(ctx, req)
			if err != nil {
				return err
			}
			orderID = res.OrderID
			return nil
		})
		return orderID, err

	case kernel.ActionCancel:
		err := b.retry.Do(ctx, "cancel order", func() error {
			return b.exchange.CancelOrder(ctx, b.cfg.Trading.Symbol, action.OrderID)
		})
		return "", err
	}
	return "", fmt.Errorf("unknown action type %q", action.Type)
}
