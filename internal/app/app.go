package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"hl-spread-arb/internal/account"
	"hl-spread-arb/internal/alerts"
	"hl-spread-arb/internal/config"
	"hl-spread-arb/internal/events"
	"hl-spread-arb/internal/exec"
	"hl-spread-arb/internal/hl/exchange"
	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/hl/ws"
	"hl-spread-arb/internal/market"
	"hl-spread-arb/internal/metrics"
	"hl-spread-arb/internal/state"
	"hl-spread-arb/internal/state/sqlite"
	"hl-spread-arb/internal/strategy"
	"hl-spread-arb/internal/timescale"

	"go.uber.org/zap"
)

const (
	alertQueueSize  = 32
	shutdownTimeout = 5 * time.Second
)

// controlledAlgo is the algo lifecycle plus the controls the operator and
// start-up sequence use.
type controlledAlgo interface {
	strategy.Algo
	strategy.LoginHandler
	SetSizeSteps(active, passive float64)
	Pause() bool
	Resume() bool
	ResetMonitor() bool
	Params() strategy.Params
	Variables() strategy.Variables
}

// App owns every collaborator of the engine and runs the event loop.
type App struct {
	cfg       *config.Config
	log       *zap.Logger
	store     state.Store
	rest      *rest.Client
	marketWS  *ws.Client
	accountWS *ws.Client
	exchange  *exchange.Client
	market    *market.MarketData
	feed      *market.BookFeed
	account   *account.Account
	executor  *exec.Executor
	router    *exec.Router
	bus       *events.Bus
	engine    controlledAlgo
	metrics   *metrics.Metrics
	prom      *metrics.Prometheus
	alerts    *alerts.Telegram
	notifier  *asyncAlerter
	timescale *timescale.Writer
	reporter  *reporter

	runCtx context.Context
}

type credentials struct {
	wallet  string
	key     string
	account string
	vault   string
}

func loadCredentials() (credentials, error) {
	creds := credentials{
		wallet:  strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS")),
		key:     strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY")),
		account: strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS")),
		vault:   strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")),
	}
	if creds.wallet == "" {
		return creds, errors.New("HL_WALLET_ADDRESS is required")
	}
	if creds.key == "" {
		return creds, errors.New("HL_PRIVATE_KEY is required")
	}
	if creds.account == "" {
		creds.account = creds.wallet
	}
	return creds, nil
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	creds, err := loadCredentials()
	if err != nil {
		return nil, err
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(creds.key, isMainnet)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(creds.wallet, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", creds.wallet, signer.Address().Hex())
	}
	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, creds.vault)
	if err != nil {
		return nil, err
	}
	exClient.SetLogger(log)

	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}

	m := metrics.NewNoop()
	var prom *metrics.Prometheus
	if cfg.Metrics.EnabledValue() {
		prom = metrics.NewPrometheus()
		m = prom.Metrics
	}
	ts, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		log.Warn("timescale disabled", zap.Error(err))
		ts = nil
	}

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	marketWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	accountWS := ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	marketData := market.New(restClient, log)
	telegram := alerts.NewTelegram(cfg.Telegram, log)

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		rest:      restClient,
		marketWS:  marketWS,
		accountWS: accountWS,
		exchange:  exClient,
		market:    marketData,
		bus:       events.NewBus(0, log),
		metrics:   m,
		prom:      prom,
		alerts:    telegram,
		notifier:  newAsyncAlerter(telegram, alertQueueSize, log),
		timescale: ts,
		reporter:  newReporter(store, m, ts, log),
	}
	a.feed = market.NewBookFeed(marketWS, marketData, a.publishTick, log)
	a.account = account.New(restClient, accountWS, log, creds.account, marketData)
	a.executor = exec.New(&exchangeAdapter{client: exClient, tif: exchange.Tif(cfg.Exec.Tif)}, store, log, exec.Options{
		MaxAttempts:  cfg.Exec.MaxAttempts,
		RetryBackoff: cfg.Exec.RetryBackoff,
		Metrics:      m,
	})
	a.router = exec.NewRouter(a.executor, marketData, exec.RouterConfig{
		Venue:     cfg.Engine.Active.Venue,
		Slippage:  cfg.Engine.Slippage,
		Tif:       cfg.Exec.Tif,
		QueueSize: cfg.Exec.QueueSize,
	}, a.publishOrder, log)
	a.engine = strategy.NewEngine(strategy.ParamsFromConfig(cfg.Engine), strategy.Deps{
		Feed:      a.feed,
		Positions: a.account,
		Router:    a.router,
		Alerts:    a.notifier,
		Reporter:  a.reporter,
		Log:       log,
		Metrics:   m,
	})
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runCtx = ctx
	defer a.store.Close()
	defer a.timescale.Close()
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		a.reporter.Run(ctx)
	}()
	defer func() {
		cancel()
		<-reported
	}()

	if a.exchange != nil && a.store != nil {
		if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
			a.log.Warn("nonce store init failed", zap.Error(err))
		} else if nonce, ok := a.exchange.NonceState(); ok {
			a.log.Info("nonce persistence enabled", zap.String("nonce_key", nonce.Key), zap.Uint64("nonce_seed", nonce.Last))
		}
	}
	if err := a.market.RefreshContexts(ctx); err != nil {
		return fmt.Errorf("load instrument contexts: %w", err)
	}
	if err := a.checkLegs(); err != nil {
		return err
	}
	a.engine.SetSizeSteps(a.sizeStep(a.cfg.Engine.Active.Symbol), a.sizeStep(a.cfg.Engine.Passive.Symbol))
	a.startMetrics(ctx)
	a.timescale.Start(ctx)
	go a.notifier.Run(ctx)
	a.cancelStaleOrders(ctx)

	subs := a.subscribeBus()
	defer func() {
		for _, sub := range subs {
			sub.Close()
		}
	}()

	a.account.Watch(a.cfg.Engine.Active.Symbol, a.cfg.Engine.Passive.Symbol)
	a.account.Notify(a.publishTrade, a.publishOrder)
	if err := a.account.Start(ctx); err != nil {
		return fmt.Errorf("account feed: %w", err)
	}
	a.accountWS.OnReconnect(func() {
		go a.recoverFills(ctx)
	})
	go a.runWS(ctx, "account", a.accountWS, a.account.Handle)

	if err := a.marketWS.Connect(ctx); err != nil {
		return fmt.Errorf("market feed: %w", err)
	}
	a.marketWS.OnReconnect(func() {
		a.publish(events.Event{Kind: events.KindLogin})
	})
	go a.runWS(ctx, "market", a.marketWS, a.feed.Handle)

	go func() {
		if err := a.router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("router stopped", zap.Error(err))
		}
	}()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	defer a.engine.Stop()

	go a.timerLoop(ctx)
	a.startOperator(ctx)
	a.log.Info("controller running",
		zap.String("active", a.cfg.Engine.Active.Symbol),
		zap.String("passive", a.cfg.Engine.Passive.Symbol),
		zap.Duration("timer_period", a.cfg.Engine.TimerPeriod),
	)
	return a.bus.Run(ctx)
}

func (a *App) checkLegs() error {
	for _, leg := range []config.LegConfig{a.cfg.Engine.Active, a.cfg.Engine.Passive} {
		inst, ok := a.market.Instrument(leg.Symbol)
		if !ok {
			return fmt.Errorf("unknown instrument %s", leg.Symbol)
		}
		if inst.Spot != (leg.Kind == config.LegKindSpot) {
			return fmt.Errorf("instrument %s is not a %s market", leg.Symbol, leg.Kind)
		}
		a.log.Info("leg resolved",
			zap.String("symbol", leg.Symbol),
			zap.String("coin", a.market.Coin(leg.Symbol)),
			zap.Int("asset", inst.Asset),
			zap.Int("sz_decimals", inst.SzDecimals),
		)
	}
	return nil
}

func (a *App) sizeStep(symbol string) float64 {
	inst, _ := a.market.Instrument(symbol)
	return exec.SizeStep(inst.SzDecimals)
}

func (a *App) subscribeBus() []*events.Subscription {
	return []*events.Subscription{
		a.bus.Subscribe(events.KindTick, func(ctx context.Context, ev events.Event) {
			a.engine.OnTick(ctx, ev.Tick)
		}),
		a.bus.Subscribe(events.KindTrade, func(ctx context.Context, ev events.Event) {
			a.engine.OnTrade(ctx, ev.Trade)
		}),
		a.bus.Subscribe(events.KindOrder, func(ctx context.Context, ev events.Event) {
			a.engine.OnOrder(ctx, ev.Order)
		}),
		a.bus.Subscribe(events.KindLogin, func(ctx context.Context, ev events.Event) {
			a.engine.OnLogin(ctx)
		}),
		a.bus.Subscribe(events.KindTimer, func(ctx context.Context, ev events.Event) {
			a.engine.OnTimer(ctx)
		}),
		a.bus.Subscribe(events.KindControl, func(ctx context.Context, ev events.Event) {
			if ev.Control != nil {
				ev.Control(ctx)
			}
		}),
	}
}

func (a *App) publish(ev events.Event) {
	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.bus.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, events.ErrClosed) {
		a.log.Warn("event publish failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (a *App) publishTick(tick strategy.Tick) {
	a.publish(events.Event{Kind: events.KindTick, Tick: tick})
}

func (a *App) publishTrade(trade strategy.Trade) {
	a.publish(events.Event{Kind: events.KindTrade, Trade: trade})
}

func (a *App) publishOrder(update strategy.OrderUpdate) {
	a.publish(events.Event{Kind: events.KindOrder, Order: update})
}

// onLoop runs fn on the event loop and waits for it.
func (a *App) onLoop(ctx context.Context, fn func(ctx context.Context)) error {
	if a.bus == nil {
		fn(ctx)
		return nil
	}
	done := make(chan struct{})
	err := a.bus.Publish(ctx, events.Event{Kind: events.KindControl, Control: func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}})
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *App) timerLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Engine.TimerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publish(events.Event{Kind: events.KindTimer})
			if err := a.market.RefreshContexts(ctx); err != nil && ctx.Err() == nil {
				if rest.IsTemporary(err) {
					a.log.Debug("context refresh throttled", zap.Error(err))
					continue
				}
				a.log.Warn("context refresh failed", zap.Error(err))
			}
		}
	}
}

func (a *App) runWS(ctx context.Context, name string, client *ws.Client, handler func(json.RawMessage)) {
	if err := client.Run(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("ws loop stopped", zap.String("feed", name), zap.Error(err))
	}
}

func (a *App) recoverFills(ctx context.Context) {
	recoverCtx, cancel := context.WithTimeout(ctx, a.cfg.REST.Timeout)
	defer cancel()
	if _, err := a.account.Recover(recoverCtx); err != nil {
		a.log.Warn("fill recovery failed", zap.Error(err))
	}
}

func (a *App) startMetrics(ctx context.Context) {
	if a.prom == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.cfg.Metrics.Path, a.prom.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("metrics server listening", zap.String("address", a.cfg.Metrics.Address), zap.String("path", a.cfg.Metrics.Path))
}

// cancelStaleOrders cancels orders left resting on either leg by a previous
// run so the engine starts with both legs settled.
func (a *App) cancelStaleOrders(ctx context.Context) {
	orders, err := a.account.OpenOrders(ctx)
	if err != nil {
		a.log.Warn("open orders query failed", zap.Error(err))
		return
	}
	legs := make(map[string]string, 2)
	for _, symbol := range []string{a.cfg.Engine.Active.Symbol, a.cfg.Engine.Passive.Symbol} {
		legs[a.market.Coin(symbol)] = symbol
	}
	for _, ref := range orders {
		symbol, ok := legs[ref.Coin]
		if !ok {
			continue
		}
		inst, ok := a.market.Instrument(symbol)
		if !ok {
			continue
		}
		if err := a.cancelOpenOrder(ctx, inst.Asset, ref); err != nil {
			a.log.Warn("failed to cancel stale order", zap.String("symbol", symbol), zap.String("order_id", ref.OrderID), zap.Error(err))
			continue
		}
		a.metrics.CancelsSent.Inc()
		a.log.Info("cancelled stale order", zap.String("symbol", symbol), zap.String("order_id", ref.OrderID), zap.String("cloid", ref.Cloid))
	}
}

func (a *App) cancelOpenOrder(ctx context.Context, asset int, ref account.OrderRef) error {
	if ref.Cloid != "" {
		return a.executor.CancelByCloid(ctx, asset, ref.Cloid)
	}
	oid, err := strconv.ParseInt(ref.OrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid order id %s: %w", ref.OrderID, err)
	}
	resp, err := a.exchange.CancelOrder(ctx, asset, oid)
	if err != nil {
		return err
	}
	return exchange.ResponseError(resp)
}
