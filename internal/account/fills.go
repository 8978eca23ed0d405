package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

// Fill is one execution as reported by the userFills channel and the
// userFillsByTime query.
type Fill struct {
	OrderID string
	Coin    string
	Side    string
	Size    float64
	Price   float64
	TimeMS  int64
	Hash    string
	TradeID string
}

// UserFillsByTime queries fills executed in [startTimeMS, endTimeMS]. An
// endTimeMS of zero leaves the window open.
func (a *Account) UserFillsByTime(ctx context.Context, startTimeMS, endTimeMS int64) ([]Fill, error) {
	if err := a.requireQuery(); err != nil {
		return nil, err
	}
	if startTimeMS <= 0 {
		return nil, errors.New("start time must be > 0")
	}
	var raw []wireFill
	req := rest.InfoRequest{Type: "userFillsByTime", User: a.user, StartTime: startTimeMS, EndTime: endTimeMS}
	if err := a.rest.Query(ctx, req, &raw); err != nil {
		return nil, err
	}
	fills := make([]Fill, 0, len(raw))
	for _, f := range raw {
		fills = append(fills, f.fill())
	}
	return fills, nil
}

// Recover replays fills executed since the newest fill applied (or since
// Start when none was), so executions missed while the account feed was down
// still reach the engine. Fills seen before are ignored. It returns the number
// of trades emitted.
func (a *Account) Recover(ctx context.Context) (int, error) {
	a.mu.Lock()
	since := a.lastFillMS
	a.mu.Unlock()
	if since <= 0 {
		return 0, nil
	}
	fills, err := a.UserFillsByTime(ctx, since, 0)
	if err != nil {
		return 0, fmt.Errorf("recover fills since %d: %w", since, err)
	}
	n := a.applyFills(fills, false)
	if n > 0 {
		a.log.Warn("recovered missed fills", zap.Int("count", n), zap.Int64("since_ms", since))
	}
	return n, nil
}

// OpenOrders lists the account's resting orders.
func (a *Account) OpenOrders(ctx context.Context) ([]OrderRef, error) {
	if err := a.requireQuery(); err != nil {
		return nil, err
	}
	var orders []wireOpenOrder
	if err := a.rest.Query(ctx, rest.InfoRequest{Type: "openOrders", User: a.user}, &orders); err != nil {
		return nil, err
	}
	return openOrderRefs(orders), nil
}

// applyFills turns unseen fills on watched coins into trades. In snapshot
// mode fills that predate Start are only remembered; later ones are applied
// since they may have been missed across a reconnect. Terminal order updates
// held back for these fills are released after the trades.
func (a *Account) applyFills(fills []Fill, snapshot bool) int {
	var trades []strategy.Trade
	var released []strategy.OrderUpdate
	a.mu.Lock()
	for _, fill := range fills {
		if fill.OrderID == "" || fill.Size == 0 {
			continue
		}
		key := fillKey(fill)
		if _, ok := a.seenFillKeys[key]; ok {
			continue
		}
		a.seenFillKeys[key] = struct{}{}
		a.seenFillOrder = append(a.seenFillOrder, key)
		if snapshot && (a.startMS == 0 || fill.TimeMS < a.startMS) {
			continue
		}
		symbol, watched := a.coinToSymbol[fill.Coin]
		if !watched {
			continue
		}
		if fill.TimeMS > a.lastFillMS {
			a.lastFillMS = fill.TimeMS
		}
		progress := a.trackLocked(fill.OrderID)
		progress.filled += math.Abs(fill.Size)
		ref := progress.cloid
		if ref == "" {
			ref = fill.OrderID
		}
		trades = append(trades, strategy.Trade{
			Symbol:    symbol,
			OrderRef:  ref,
			Direction: directionFromSide(fill.Side),
			Price:     fill.Price,
			Volume:    math.Abs(fill.Size),
			Time:      time.UnixMilli(fill.TimeMS),
		})
		if progress.pending != nil && progress.filled+fillEpsilon >= progress.executed {
			released = append(released, *progress.pending)
			a.forgetLocked(fill.OrderID)
		}
	}
	if len(a.seenFillOrder) > maxSeenFillKeys {
		evict := a.seenFillOrder[:len(a.seenFillOrder)-maxSeenFillKeys]
		for _, key := range evict {
			delete(a.seenFillKeys, key)
		}
		a.seenFillOrder = append([]string(nil), a.seenFillOrder[len(a.seenFillOrder)-maxSeenFillKeys:]...)
	}
	onTrade, onOrder := a.onTrade, a.onOrder
	a.mu.Unlock()
	if onTrade != nil {
		for _, trade := range trades {
			onTrade(trade)
		}
	}
	if onOrder != nil {
		for _, update := range released {
			onOrder(update)
		}
	}
	return len(trades)
}
