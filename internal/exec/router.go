package exec

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"hl-spread-arb/internal/config"
	"hl-spread-arb/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrQueueFull = errors.New("execution queue full")

// Instrument is what the router needs to know to put an order on a symbol.
type Instrument struct {
	Asset      int
	SzDecimals int
	Spot       bool
}

type Instruments interface {
	Instrument(symbol string) (Instrument, bool)
}

type Gateway interface {
	PlaceOrders(ctx context.Context, orders []Order) ([]Result, error)
	CancelByCloid(ctx context.Context, asset int, cloid string) error
}

type RouterConfig struct {
	Venue     string
	Slippage  float64
	Tif       string
	QueueSize int
}

type routedOrder struct {
	symbol string
	order  Order
}

type job struct {
	orders []routedOrder
	paired bool
	cancel *routedOrder
}

// Router turns decisions into venue orders. Route assigns client order ids
// and returns at once; a single worker started by Run performs the venue I/O
// and reports outcomes through the sink.
type Router struct {
	gateway     Gateway
	instruments Instruments
	cfg         RouterConfig
	sink        func(strategy.OrderUpdate)
	log         *zap.Logger
	jobs        chan job
	newCloid    func() string
}

func NewRouter(gateway Gateway, instruments Instruments, cfg RouterConfig, sink func(strategy.OrderUpdate), log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Venue == "" {
		cfg.Venue = config.VenueSequential
	}
	if cfg.Tif == "" {
		cfg.Tif = TifGtc
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if sink == nil {
		sink = func(strategy.OrderUpdate) {}
	}
	return &Router{
		gateway:     gateway,
		instruments: instruments,
		cfg:         cfg,
		sink:        sink,
		log:         log,
		jobs:        make(chan job, cfg.QueueSize),
		newCloid:    NewCloid,
	}
}

// NewCloid returns a random 128-bit client order id in the venue's hex form.
func NewCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

func (r *Router) Route(ctx context.Context, d strategy.Decision) ([]strategy.Placement, error) {
	_ = ctx
	if len(d.Orders) == 0 {
		return nil, errors.New("decision has no orders")
	}
	paired := r.cfg.Venue == config.VenueAtomic
	tif := r.cfg.Tif
	if paired {
		tif = TifIoc
	}
	insts := make([]Instrument, len(d.Orders))
	szDecimals := 0
	for i, intent := range d.Orders {
		inst, ok := r.instruments.Instrument(intent.Symbol)
		if !ok {
			return nil, fmt.Errorf("unknown instrument %s", intent.Symbol)
		}
		insts[i] = inst
		if i == 0 || inst.SzDecimals < szDecimals {
			szDecimals = inst.SzDecimals
		}
	}
	orders := make([]routedOrder, 0, len(d.Orders))
	placements := make([]strategy.Placement, 0, len(d.Orders))
	for i, intent := range d.Orders {
		order, err := r.build(intent, insts[i], szDecimals, tif)
		if err != nil {
			return nil, err
		}
		orders = append(orders, routedOrder{symbol: intent.Symbol, order: order})
		placements = append(placements, strategy.Placement{Role: intent.Role, Ref: order.ClientOrderID})
	}
	if err := r.enqueue(job{orders: orders, paired: paired}); err != nil {
		return nil, err
	}
	return placements, nil
}

func (r *Router) Cancel(ctx context.Context, symbol, ref string) error {
	_ = ctx
	inst, ok := r.instruments.Instrument(symbol)
	if !ok {
		return fmt.Errorf("unknown instrument %s", symbol)
	}
	return r.enqueue(job{cancel: &routedOrder{symbol: symbol, order: Order{Asset: inst.Asset, ClientOrderID: ref}}})
}

// Run drains the queue until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-r.jobs:
			r.process(ctx, j)
		}
	}
}

// build sizes the order to szDecimals, the coarsest size step among the
// decision's legs, so both legs of a pair trade the same volume.
func (r *Router) build(intent strategy.OrderIntent, inst Instrument, szDecimals int, tif string) (Order, error) {
	if intent.Price <= 0 {
		return Order{}, fmt.Errorf("%s: invalid quote %v", intent.Symbol, intent.Price)
	}
	size := RoundSize(intent.Volume, szDecimals)
	if size <= 0 {
		return Order{}, fmt.Errorf("%s: volume %v below size step", intent.Symbol, intent.Volume)
	}
	isBuy := intent.Direction == strategy.Long
	limit := NormalizeLimitPrice(SlippagePrice(intent.Price, isBuy, r.cfg.Slippage), inst.Spot, inst.SzDecimals)
	return Order{
		Asset:         inst.Asset,
		IsBuy:         isBuy,
		Size:          size,
		LimitPrice:    limit,
		Tif:           tif,
		ClientOrderID: r.newCloid(),
	}, nil
}

func (r *Router) enqueue(j job) error {
	select {
	case r.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Router) process(ctx context.Context, j job) {
	if j.cancel != nil {
		c := j.cancel
		if err := r.gateway.CancelByCloid(ctx, c.order.Asset, c.order.ClientOrderID); err != nil {
			r.log.Warn("cancel failed", zap.String("symbol", c.symbol), zap.String("ref", c.order.ClientOrderID), zap.Error(err))
		}
		return
	}
	if j.paired {
		r.submit(ctx, j.orders)
		return
	}
	for _, o := range j.orders {
		r.submit(ctx, []routedOrder{o})
	}
}

func (r *Router) submit(ctx context.Context, batch []routedOrder) {
	orders := make([]Order, len(batch))
	for i, o := range batch {
		orders[i] = o.order
	}
	results, err := r.gateway.PlaceOrders(ctx, orders)
	if err != nil {
		for _, o := range batch {
			r.log.Warn("order submit failed", zap.String("symbol", o.symbol), zap.String("ref", o.order.ClientOrderID), zap.Error(err))
			r.sink(strategy.OrderUpdate{Ref: o.order.ClientOrderID, Symbol: o.symbol, Status: strategy.StatusRejected, Reason: err.Error()})
		}
		return
	}
	for i, o := range batch {
		res := results[i]
		update := strategy.OrderUpdate{Ref: o.order.ClientOrderID, Symbol: o.symbol}
		switch res.State {
		case ResultResting:
			update.Status = strategy.StatusNotTraded
		case ResultFilled:
			update.Status = strategy.StatusPartTraded
		default:
			update.Status = strategy.StatusRejected
			update.Reason = res.Error
			r.log.Warn("order rejected", zap.String("symbol", o.symbol), zap.String("ref", update.Ref), zap.String("reason", res.Error))
			r.sink(update)
			continue
		}
		r.log.Info("order acknowledged",
			zap.String("symbol", o.symbol),
			zap.String("ref", update.Ref),
			zap.String("oid", res.OrderID),
			zap.Bool("buy", o.order.IsBuy),
			zap.Float64("size", o.order.Size),
			zap.Float64("limit", o.order.LimitPrice),
			zap.String("status", string(update.Status)),
		)
		r.sink(update)
	}
}
