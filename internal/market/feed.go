package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, msg interface{}) error
}

type CoinResolver interface {
	Coin(symbol string) string
}

type book struct {
	symbol string
	bid    bookLevel
	ask    bookLevel
	last   float64
}

// BookFeed turns l2Book and trades websocket channels into top-of-book ticks.
// A tick is emitted for every book update; trades only move the last price.
type BookFeed struct {
	ws      Sender
	coins   CoinResolver
	publish func(strategy.Tick)
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	books map[string]*book
}

func NewBookFeed(ws Sender, coins CoinResolver, publish func(strategy.Tick), log *zap.Logger) *BookFeed {
	if log == nil {
		log = zap.NewNop()
	}
	return &BookFeed{
		ws:      ws,
		coins:   coins,
		publish: publish,
		log:     log,
		now:     time.Now,
		books:   make(map[string]*book),
	}
}

// Track registers symbol without subscribing, so that Snapshot accepts its
// book. It returns the venue coin.
func (f *BookFeed) Track(symbol string) string {
	coin := f.coin(symbol)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.books[coin]; !ok {
		f.books[coin] = &book{symbol: symbol}
	}
	return coin
}

func (f *BookFeed) Subscribe(ctx context.Context, symbol string) error {
	coin := f.Track(symbol)
	for _, channel := range []string{"l2Book", "trades"} {
		if err := f.ws.Send(ctx, subscription("subscribe", channel, coin)); err != nil {
			return err
		}
	}
	f.log.Info("market data subscribed", zap.String("symbol", symbol), zap.String("coin", coin))
	return nil
}

func (f *BookFeed) Unsubscribe(ctx context.Context, symbol string) error {
	coin := f.coin(symbol)
	f.mu.Lock()
	delete(f.books, coin)
	f.mu.Unlock()
	for _, channel := range []string{"l2Book", "trades"} {
		if err := f.ws.Send(ctx, subscription("unsubscribe", channel, coin)); err != nil {
			return err
		}
	}
	return nil
}

type wsEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Handle consumes one raw websocket message.
func (f *BookFeed) Handle(msg json.RawMessage) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		f.log.Debug("ws decode error", zap.Error(err))
		return
	}
	switch env.Channel {
	case "l2Book":
		if update, ok := parseBook(env.Data); ok {
			f.applyBook(update)
		}
	case "trades":
		f.applyTrades(parseTrades(env.Data))
	}
}

// Snapshot applies an l2Book info response and returns the resulting tick.
func (f *BookFeed) Snapshot(data map[string]any) (strategy.Tick, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		return strategy.Tick{}, false
	}
	update, ok := parseBook(raw)
	if !ok {
		return strategy.Tick{}, false
	}
	return f.update(update)
}

func (f *BookFeed) applyBook(update bookUpdate) {
	tick, ok := f.update(update)
	if ok && f.publish != nil {
		f.publish(tick)
	}
}

func (f *BookFeed) update(update bookUpdate) (strategy.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.books[update.Coin]
	if !ok {
		return strategy.Tick{}, false
	}
	b.bid, b.ask = bookLevel{}, bookLevel{}
	if len(update.Bids) > 0 {
		b.bid = update.Bids[0]
	}
	if len(update.Asks) > 0 {
		b.ask = update.Asks[0]
	}
	return f.tickLocked(b, update.Time), true
}

func (f *BookFeed) applyTrades(trades []tradePrint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range trades {
		if b, ok := f.books[t.Coin]; ok {
			b.last = t.Price
		}
	}
}

func (f *BookFeed) tickLocked(b *book, ms int64) strategy.Tick {
	last := b.last
	if last <= 0 && b.bid.Price > 0 && b.ask.Price > 0 {
		last = (b.bid.Price + b.ask.Price) / 2
	}
	ts := f.now()
	if ms > 0 {
		ts = time.UnixMilli(ms)
	}
	return strategy.Tick{
		Symbol:    b.symbol,
		BidPrice:  b.bid.Price,
		BidVolume: b.bid.Size,
		AskPrice:  b.ask.Price,
		AskVolume: b.ask.Size,
		LastPrice: last,
		Time:      ts,
	}
}

func (f *BookFeed) coin(symbol string) string {
	if f.coins == nil {
		return symbol
	}
	return f.coins.Coin(symbol)
}

func subscription(method, channel, coin string) map[string]any {
	return map[string]any{
		"method": method,
		"subscription": map[string]any{
			"type": channel,
			"coin": coin,
		},
	}
}
