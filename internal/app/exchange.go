package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"hl-spread-arb/internal/exec"
	"hl-spread-arb/internal/hl/exchange"
)

type orderPlacer interface {
	PlaceOrders(ctx context.Context, orders []exchange.OrderWire) (*exchange.Response, error)
	CancelByCloid(ctx context.Context, asset int, cloid string) (*exchange.Response, error)
}

// exchangeAdapter maps executor orders onto signed exchange actions.
type exchangeAdapter struct {
	client orderPlacer
	tif    exchange.Tif
}

func (e *exchangeAdapter) PlaceOrders(ctx context.Context, orders []exec.Order) ([]exec.Result, error) {
	if e.client == nil {
		return nil, errors.New("exchange client is required")
	}
	wires := make([]exchange.OrderWire, 0, len(orders))
	for _, order := range orders {
		tif := e.tif
		if order.Tif != "" {
			tif = exchange.Tif(order.Tif)
		}
		wire, err := exchange.LimitOrder{
			Asset: order.Asset,
			IsBuy: order.IsBuy,
			Size:  order.Size,
			Price: order.LimitPrice,
			Tif:   tif,
			Cloid: order.ClientOrderID,
		}.Wire()
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", order.ClientOrderID, err)
		}
		wires = append(wires, wire)
	}
	resp, err := e.client.PlaceOrders(ctx, wires)
	if err != nil {
		return nil, err
	}
	if err := exchange.ResponseError(resp); err != nil {
		return nil, err
	}
	return resultsFromStatuses(orders, resp.Statuses)
}

func (e *exchangeAdapter) CancelByCloid(ctx context.Context, asset int, cloid string) error {
	if e.client == nil {
		return errors.New("exchange client is required")
	}
	resp, err := e.client.CancelByCloid(ctx, asset, cloid)
	if err != nil {
		return err
	}
	if err := exchange.ResponseError(resp); err != nil {
		return err
	}
	for _, status := range resp.Statuses {
		if status.State == exchange.OrderError {
			return fmt.Errorf("cancel %s: %s", cloid, status.Error)
		}
	}
	return nil
}

func resultsFromStatuses(orders []exec.Order, statuses []exchange.OrderStatus) ([]exec.Result, error) {
	if len(statuses) != len(orders) {
		return nil, fmt.Errorf("exchange returned %d statuses for %d orders", len(statuses), len(orders))
	}
	out := make([]exec.Result, len(orders))
	for i, status := range statuses {
		res := exec.Result{ClientOrderID: orders[i].ClientOrderID, OrderID: status.OrderID}
		switch status.State {
		case exchange.OrderResting:
			res.State = exec.ResultResting
		case exchange.OrderFilled:
			res.State = exec.ResultFilled
			if filled, err := strconv.ParseFloat(status.TotalSz, 64); err == nil {
				res.FilledSize = filled
			}
		default:
			res.State = exec.ResultRejected
			res.Error = status.Error
			if res.Error == "" {
				res.Error = "order rejected"
			}
		}
		out[i] = res
	}
	return out, nil
}
