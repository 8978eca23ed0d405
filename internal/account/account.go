package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/hl/ws"
	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

const (
	maxSeenFillKeys  = 2000
	maxTrackedOrders = 2000
	fillEpsilon      = 1e-9
)

// SymbolResolver maps configured symbols onto the names the venue uses in
// account payloads.
type SymbolResolver interface {
	Coin(symbol string) string
	SpotBase(symbol string) (string, bool)
}

// orderProgress holds what is known about one of our orders so that a
// terminal update is released only after its fills.
type orderProgress struct {
	cloid    string
	symbol   string
	filled   float64
	executed float64
	pending  *strategy.OrderUpdate
}

// Account answers position queries and turns the user websocket channels
// into trade and order notifications.
type Account struct {
	rest    *rest.Client
	ws      *ws.Client
	log     *zap.Logger
	user    string
	symbols SymbolResolver

	onTrade func(strategy.Trade)
	onOrder func(strategy.OrderUpdate)

	mu            sync.Mutex
	coinToSymbol  map[string]string
	seenFillKeys  map[string]struct{}
	seenFillOrder []string
	orders        map[string]*orderProgress
	orderQueue    []string
	startMS       int64
	lastFillMS    int64
}

func New(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger, user string, symbols SymbolResolver) *Account {
	if log == nil {
		log = zap.NewNop()
	}
	return &Account{
		rest:         restClient,
		ws:           wsClient,
		log:          log,
		user:         strings.TrimSpace(user),
		symbols:      symbols,
		coinToSymbol: make(map[string]string),
		seenFillKeys: make(map[string]struct{}),
		orders:       make(map[string]*orderProgress),
	}
}

// Notify registers the trade and order callbacks.
func (a *Account) Notify(onTrade func(strategy.Trade), onOrder func(strategy.OrderUpdate)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTrade = onTrade
	a.onOrder = onOrder
}

// Watch limits notifications to the given symbols.
func (a *Account) Watch(symbols ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, symbol := range symbols {
		coin := symbol
		if a.symbols != nil {
			coin = a.symbols.Coin(symbol)
		}
		a.coinToSymbol[coin] = symbol
	}
}

// Position returns the long and short holdings of symbol. Spot symbols report
// the base token balance as long; perps split the signed size. ok is false
// when the account has nothing on the instrument.
func (a *Account) Position(ctx context.Context, symbol string) (long, short float64, ok bool, err error) {
	if err := a.requireQuery(); err != nil {
		return 0, 0, false, err
	}
	if a.symbols != nil {
		if base, spot := a.symbols.SpotBase(symbol); spot {
			var st spotClearinghouseState
			if err := a.rest.Query(ctx, rest.InfoRequest{Type: "spotClearinghouseState", User: a.user}, &st); err != nil {
				return 0, 0, false, err
			}
			total, found := st.balances()[base]
			return total, 0, found, nil
		}
	}
	var st clearinghouseState
	if err := a.rest.Query(ctx, rest.InfoRequest{Type: "clearinghouseState", User: a.user}, &st); err != nil {
		return 0, 0, false, err
	}
	size, found := st.positions()[symbol]
	switch {
	case !found:
		return 0, 0, false, nil
	case size < 0:
		return 0, -size, true, nil
	default:
		return size, 0, true, nil
	}
}

func (a *Account) requireQuery() error {
	if a.rest == nil {
		return errors.New("rest client is required")
	}
	if a.user == "" {
		return errors.New("account user is required")
	}
	return nil
}

// Start subscribes the user channels. The subscriptions are replayed by the
// websocket client after reconnects. Fills executed before Start are treated
// as history and never reported.
func (a *Account) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.startMS == 0 {
		a.startMS = time.Now().UnixMilli()
		a.lastFillMS = a.startMS
	}
	a.mu.Unlock()
	if a.ws == nil {
		return nil
	}
	if a.user == "" {
		return errors.New("account user is required for ws subscriptions")
	}
	if err := a.ws.Connect(ctx); err != nil {
		return err
	}
	for _, channel := range []string{"orderUpdates", "userFills"} {
		sub := map[string]any{
			"method": "subscribe",
			"subscription": map[string]any{
				"type": channel,
				"user": a.user,
			},
		}
		if err := a.ws.Subscribe(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Handle consumes one raw websocket message.
func (a *Account) Handle(msg json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		a.log.Debug("account ws decode failed", zap.Error(err))
		return
	}
	switch env.Channel {
	case "orderUpdates":
		var updates []wireOrderUpdate
		if err := json.Unmarshal(env.Data, &updates); err != nil {
			a.log.Debug("orderUpdates decode failed", zap.Error(err))
			return
		}
		a.applyOrderUpdates(updates)
	case "userFills":
		var batch wireUserFills
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			a.log.Debug("userFills decode failed", zap.Error(err))
			return
		}
		fills := make([]Fill, 0, len(batch.Fills))
		for _, f := range batch.Fills {
			fills = append(fills, f.fill())
		}
		a.applyFills(fills, batch.IsSnapshot)
	}
}

func (a *Account) applyOrderUpdates(updates []wireOrderUpdate) {
	var out []strategy.OrderUpdate
	a.mu.Lock()
	for _, entry := range updates {
		order := entry.Order
		oid := string(order.Oid)
		symbol, watched := a.coinToSymbol[strings.TrimSpace(order.Coin)]
		if order.Cloid == "" || oid == "" || !watched {
			continue
		}
		origSz, remaining := float64(order.OrigSz), float64(order.Sz)
		status := orderStatus(entry.Status, origSz, remaining)
		update := strategy.OrderUpdate{Ref: order.Cloid, Symbol: symbol, Status: status}
		if status == strategy.StatusRejected || status == strategy.StatusCancelled {
			update.Reason = entry.Status
		}
		progress := a.trackLocked(oid)
		progress.cloid = order.Cloid
		progress.symbol = symbol
		progress.executed = math.Max(origSz-remaining, 0)
		switch {
		case !status.Terminal():
			out = append(out, update)
		case progress.filled+fillEpsilon >= progress.executed:
			out = append(out, update)
			a.forgetLocked(oid)
		default:
			progress.pending = &update
		}
	}
	onOrder := a.onOrder
	a.mu.Unlock()
	if onOrder == nil {
		return
	}
	for _, update := range out {
		onOrder(update)
	}
}

func (a *Account) trackLocked(oid string) *orderProgress {
	if progress, ok := a.orders[oid]; ok {
		return progress
	}
	progress := &orderProgress{}
	a.orders[oid] = progress
	a.orderQueue = append(a.orderQueue, oid)
	for len(a.orders) > maxTrackedOrders && len(a.orderQueue) > 0 {
		delete(a.orders, a.orderQueue[0])
		a.orderQueue = a.orderQueue[1:]
	}
	return progress
}

func (a *Account) forgetLocked(oid string) {
	delete(a.orders, oid)
	for i, id := range a.orderQueue {
		if id == oid {
			a.orderQueue = append(a.orderQueue[:i], a.orderQueue[i+1:]...)
			break
		}
	}
}

// orderStatus maps a venue order status onto the engine's status set. Any
// kind of cancellation counts as cancelled and any rejection as rejected.
func orderStatus(status string, origSz, remaining float64) strategy.OrderStatus {
	s := strings.ToLower(status)
	switch {
	case s == "filled":
		return strategy.StatusAllTraded
	case s == "open" || s == "triggered":
		if origSz > 0 && remaining < origSz {
			return strategy.StatusPartTraded
		}
		return strategy.StatusNotTraded
	case strings.HasSuffix(s, "rejected"):
		return strategy.StatusRejected
	case strings.HasSuffix(s, "canceled") || strings.HasSuffix(s, "cancelled"):
		return strategy.StatusCancelled
	}
	return strategy.StatusRejected
}

func directionFromSide(side string) strategy.Direction {
	switch strings.ToUpper(side) {
	case "B", "BUY", "BID":
		return strategy.Long
	}
	return strategy.Short
}

func fillKey(fill Fill) string {
	if fill.TradeID != "" {
		return "tid:" + fill.TradeID
	}
	if fill.Hash != "" {
		return fmt.Sprintf("%s:%s", fill.Hash, fill.OrderID)
	}
	return fmt.Sprintf("%s:%d:%s:%s", fill.OrderID, fill.TimeMS,
		strconv.FormatFloat(fill.Size, 'g', 12, 64), strconv.FormatFloat(fill.Price, 'g', 12, 64))
}
