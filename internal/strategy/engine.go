package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hl-spread-arb/internal/config"
	"hl-spread-arb/internal/metrics"

	"go.uber.org/zap"
)

// Algo is the lifecycle every execution algorithm exposes to the controller.
type Algo interface {
	Start(ctx context.Context) error
	Stop()
	OnTick(ctx context.Context, tick Tick)
	OnTrade(ctx context.Context, trade Trade)
	OnOrder(ctx context.Context, update OrderUpdate)
	OnTimer(ctx context.Context)
}

// LoginHandler is implemented by algos that resubscribe after a reconnect.
type LoginHandler interface {
	OnLogin(ctx context.Context)
}

type MarketFeed interface {
	Subscribe(ctx context.Context, symbol string) error
	Unsubscribe(ctx context.Context, symbol string) error
}

type PositionSource interface {
	Position(ctx context.Context, symbol string) (long, short float64, ok bool, err error)
}

type Router interface {
	Route(ctx context.Context, d Decision) ([]Placement, error)
	Cancel(ctx context.Context, symbol, ref string) error
}

type Alerter interface {
	SendAlert(ctx context.Context, subject, body string) error
}

type Reporter interface {
	Params(p Params)
	Variables(v Variables)
	Evaluation(ev Evaluation)
}

type Deps struct {
	Feed      MarketFeed
	Positions PositionSource
	Router    Router
	Alerts    Alerter
	Reporter  Reporter
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

var (
	_ Algo         = (*Engine)(nil)
	_ LoginHandler = (*Engine)(nil)
)

// Engine is the two-leg spread engine. All handlers must be called from a
// single goroutine.
type Engine struct {
	params    Params
	feed      MarketFeed
	positions PositionSource
	router    Router
	alerts    Alerter
	reporter  Reporter
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	cache   *SnapshotCache
	ledger  *Ledger
	gate    *Gate
	orders  *StateMachine
	monitor *StalenessMonitor

	started          bool
	paused           bool
	untradableWarned bool
	residualLogged   bool
}

func ParamsFromConfig(cfg config.EngineConfig) Params {
	hedgeLeg := RolePassive
	if cfg.HedgeLeg == config.HedgeLegActive {
		hedgeLeg = RoleActive
	}
	return Params{
		Active:               Leg{Role: RoleActive, Symbol: cfg.Active.Symbol, Venue: cfg.Active.Venue},
		Passive:              Leg{Role: RolePassive, Symbol: cfg.Passive.Symbol, Venue: cfg.Passive.Venue},
		HedgeNum:             cfg.HedgeNum,
		LevelPre:             cfg.LevelPre,
		LevelGap:             cfg.LevelGap,
		LevelNum:             cfg.LevelNum,
		Slippage:             cfg.Slippage,
		Interval:             cfg.Interval,
		HedgeLeg:             hedgeLeg,
		StaleAfter:           cfg.StaleAfter,
		DegradedInterval:     cfg.DegradedInterval,
		AutoRecover:          cfg.AutoRecoverValue(),
		CancelPendingOnCycle: cfg.CancelPendingOnCycle,
	}
}

func NewEngine(params Params, deps Deps) *Engine {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNoop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		params:    params,
		feed:      deps.Feed,
		positions: deps.Positions,
		router:    deps.Router,
		alerts:    deps.Alerts,
		reporter:  deps.Reporter,
		log:       log,
		metrics:   m,
		now:       now,
		cache:     NewSnapshotCache(),
		ledger:    NewLedger(),
		gate:      NewGate(),
		orders:    NewStateMachine(),
		monitor: NewStalenessMonitor(MonitorConfig{
			Interval:         params.Interval,
			DegradedInterval: params.DegradedInterval,
			StaleAfter:       params.StaleAfter,
			AutoRecover:      params.AutoRecover,
		}),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}
	if err := e.subscribe(ctx); err != nil {
		return err
	}
	if err := e.initPositions(ctx); err != nil {
		return err
	}
	e.started = true
	e.log.Info("engine started",
		zap.String("active", e.params.Active.Symbol),
		zap.String("passive", e.params.Passive.Symbol),
		zap.String("venue", e.params.Active.Venue),
		zap.Float64("active_pos", e.ledger.Position(RoleActive)),
		zap.Float64("passive_pos", e.ledger.Position(RolePassive)),
	)
	if e.reporter != nil {
		e.reporter.Params(e.params)
	}
	e.publish()
	return nil
}

func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.started = false
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.feed != nil {
		for _, leg := range []Leg{e.params.Active, e.params.Passive} {
			if err := e.feed.Unsubscribe(ctx, leg.Symbol); err != nil {
				e.log.Warn("unsubscribe failed", zap.String("symbol", leg.Symbol), zap.Error(err))
			}
		}
	}
	e.log.Info("engine stopped")
}

func (e *Engine) OnLogin(ctx context.Context) {
	e.log.Info("reconnected, resubscribing legs")
	if err := e.subscribe(ctx); err != nil {
		e.log.Warn("resubscribe failed", zap.Error(err))
	}
}

func (e *Engine) OnTick(ctx context.Context, tick Tick) {
	role, ok := e.roleOf(tick.Symbol)
	if !ok {
		return
	}
	e.cache.Update(role, tick)
	changed := false
	if e.monitor.Observe(e.now(), e.lastTickTimes()) {
		e.metrics.Recoveries.Inc()
		e.log.Info("market data recovered")
		e.alert(ctx, "market data recovered", e.pairLabel())
		changed = true
	}
	if e.decide(ctx) {
		changed = true
	}
	if changed {
		e.publish()
	}
}

func (e *Engine) OnTrade(ctx context.Context, trade Trade) {
	role, ok := e.roleOf(trade.Symbol)
	if !ok {
		return
	}
	e.ledger.ApplyFill(role, trade.Direction, trade.Volume)
	e.log.Info("fill",
		zap.String("leg", string(role)),
		zap.String("symbol", trade.Symbol),
		zap.String("ref", trade.OrderRef),
		zap.String("direction", string(trade.Direction)),
		zap.Float64("price", trade.Price),
		zap.Float64("volume", trade.Volume),
		zap.Float64("position", e.ledger.Position(role)),
	)
	e.publish()
}

func (e *Engine) OnOrder(ctx context.Context, update OrderUpdate) {
	if update.Status == StatusRejected {
		e.log.Warn("order rejected", zap.String("ref", update.Ref), zap.String("symbol", update.Symbol), zap.String("reason", update.Reason))
	}
	if !update.Status.Terminal() {
		return
	}
	role, ok := e.gate.Clear(update.Ref)
	if !ok {
		return
	}
	e.log.Info("order finished",
		zap.String("leg", string(role)),
		zap.String("ref", update.Ref),
		zap.String("status", string(update.Status)),
	)
	if e.gate.Settled() {
		e.orders.Apply(EventSettle)
	}
	e.publish()
}

func (e *Engine) OnTimer(ctx context.Context) {
	check := e.monitor.Tick(e.now(), e.lastTickTimes())
	if check.Degraded {
		e.metrics.StaleAlerts.Inc()
		summary := check.Summary()
		e.log.Warn("market data stale", zap.String("detail", summary), zap.Int("interval", e.monitor.Interval()))
		e.alert(ctx, "market data stale", fmt.Sprintf("%s: %s", e.pairLabel(), summary))
	}
	if check.Cycle {
		if !e.gate.Settled() {
			if e.params.CancelPendingOnCycle {
				e.cancelPending(ctx)
			}
		} else {
			e.decide(ctx)
		}
	}
	e.publish()
}

func (e *Engine) Pause() bool {
	before := e.paused
	e.paused = true
	if !before {
		e.publish()
	}
	return !before
}

func (e *Engine) Resume() bool {
	before := e.paused
	e.paused = false
	if before {
		e.publish()
	}
	return before
}

// ResetMonitor forces the staleness monitor back to Live.
func (e *Engine) ResetMonitor() bool {
	if !e.monitor.Reset() {
		return false
	}
	e.log.Info("staleness monitor reset")
	e.publish()
	return true
}

// SetSizeSteps records each leg's venue size step. Call it before Start.
func (e *Engine) SetSizeSteps(active, passive float64) {
	e.params = e.params.WithSizeSteps(active, passive)
}

func (e *Engine) Params() Params {
	return e.params
}

func (e *Engine) Variables() Variables {
	last := e.lastTickTimes()
	return Variables{
		TimerCount:   e.monitor.Count(),
		Interval:     e.monitor.Interval(),
		ActiveRef:    e.gate.Ref(RoleActive),
		PassiveRef:   e.gate.Ref(RolePassive),
		ActivePos:    e.ledger.Position(RoleActive),
		PassivePos:   e.ledger.Position(RolePassive),
		Imbalance:    e.ledger.Imbalance(e.params.HedgeNum),
		State:        e.orders.Current(),
		Monitor:      e.monitor.State(),
		Paused:       e.paused,
		LastActiveAt: last[RoleActive],
		LastPassAt:   last[RolePassive],
		UpdatedAt:    e.now().UTC(),
	}
}

// decide runs one decision cycle and reports whether any order was routed.
// Hedge correction takes priority and runs alone; spread capture requires a
// settled, live, unpaused engine with usable quotes on both legs.
func (e *Engine) decide(ctx context.Context) bool {
	if !e.gate.Settled() {
		return false
	}
	in := e.input()
	switch {
	case e.ledger.Balanced(e.params.HedgeNum):
		e.residualLogged = false
	case e.ledger.Within(e.params.HedgeNum, e.params.HedgeLot):
		if !e.residualLogged {
			e.residualLogged = true
			e.log.Info("imbalance below hedge lot, not corrected",
				zap.Float64("imbalance", e.ledger.Imbalance(e.params.HedgeNum)),
				zap.Float64("hedge_lot", e.params.HedgeLot),
			)
		}
	default:
		d, ok := HedgeCorrection(in)
		if !ok {
			e.warnUntradable("hedge leg quote unavailable")
			return false
		}
		e.log.Info("hedge imbalance", zap.Float64("imbalance", e.ledger.Imbalance(e.params.HedgeNum)))
		if e.submit(ctx, d) {
			e.metrics.HedgeCorrections.Inc()
			e.residualLogged = false
			return true
		}
		return false
	}
	if e.paused || e.monitor.State() == StateDegraded {
		return false
	}
	if !e.cache.Tradable() {
		e.warnUntradable("leg quotes unavailable")
		return false
	}
	e.untradableWarned = false

	ev := Evaluate(in)
	ev.At = e.now().UTC()
	if e.reporter != nil {
		e.reporter.Evaluation(ev)
	}
	routed := false
	for _, d := range ev.Decisions {
		if e.submit(ctx, d) {
			routed = true
			switch d.Kind {
			case KindOpen:
				e.metrics.OpenDecisions.Inc()
			case KindClose:
				e.metrics.CloseDecisions.Inc()
			case KindUnwind:
				e.metrics.UnwindDecisions.Inc()
			}
		}
	}
	return routed
}

func (e *Engine) submit(ctx context.Context, d Decision) bool {
	if err := e.gate.Admit(d); err != nil {
		e.metrics.GateDrops.Inc()
		e.log.Debug("decision dropped", zap.String("kind", string(d.Kind)), zap.Error(err))
		return false
	}
	if e.router == nil {
		return false
	}
	placements, err := e.router.Route(ctx, d)
	if err != nil {
		e.log.Warn("route failed", zap.String("kind", string(d.Kind)), zap.Error(err))
		return false
	}
	for _, p := range placements {
		if err := e.gate.Set(p.Role, p.Ref); err != nil {
			e.log.Warn("pending ref conflict", zap.Error(err))
		}
	}
	if len(placements) == 0 {
		return false
	}
	e.orders.Apply(EventSubmit)
	e.log.Info("decision routed",
		zap.String("kind", string(d.Kind)),
		zap.String("case", string(d.Case)),
		zap.Float64("volume", d.Volume),
		zap.String("reason", d.Reason),
		zap.String("orders", describeOrders(d.Orders)),
	)
	return true
}

func (e *Engine) cancelPending(ctx context.Context) {
	if e.router == nil {
		return
	}
	for role, ref := range e.gate.Pending() {
		symbol := e.params.Leg(role).Symbol
		e.log.Info("cancelling pending order", zap.String("leg", string(role)), zap.String("ref", ref))
		if err := e.router.Cancel(ctx, symbol, ref); err != nil {
			e.log.Warn("cancel failed", zap.String("ref", ref), zap.Error(err))
		}
	}
}

func (e *Engine) input() EvalInput {
	active, _ := e.cache.Get(RoleActive)
	passive, _ := e.cache.Get(RolePassive)
	return EvalInput{
		Active:     active,
		Passive:    passive,
		ActivePos:  e.ledger.Position(RoleActive),
		PassivePos: e.ledger.Position(RolePassive),
		Params:     e.params,
	}
}

func (e *Engine) subscribe(ctx context.Context) error {
	if e.feed == nil {
		return nil
	}
	for _, leg := range []Leg{e.params.Active, e.params.Passive} {
		if err := e.feed.Subscribe(ctx, leg.Symbol); err != nil {
			return fmt.Errorf("subscribe %s: %w", leg.Symbol, err)
		}
	}
	return nil
}

func (e *Engine) initPositions(ctx context.Context) error {
	if e.positions == nil {
		return nil
	}
	for _, leg := range []Leg{e.params.Active, e.params.Passive} {
		long, short, ok, err := e.positions.Position(ctx, leg.Symbol)
		if err != nil {
			return fmt.Errorf("position %s: %w", leg.Symbol, err)
		}
		if !ok {
			long, short = 0, 0
		}
		e.ledger.Set(leg.Role, long, short)
	}
	return nil
}

func (e *Engine) roleOf(symbol string) (Role, bool) {
	switch symbol {
	case e.params.Active.Symbol:
		return RoleActive, true
	case e.params.Passive.Symbol:
		return RolePassive, true
	}
	return "", false
}

func (e *Engine) lastTickTimes() map[Role]time.Time {
	out := make(map[Role]time.Time, 2)
	for _, role := range []Role{RoleActive, RolePassive} {
		if tick, ok := e.cache.Get(role); ok {
			out[role] = tick.Time
		}
	}
	return out
}

func (e *Engine) warnUntradable(reason string) {
	if e.untradableWarned {
		return
	}
	e.untradableWarned = true
	e.log.Info("not tradable", zap.String("reason", reason), zap.Error(ErrDataUnavailable))
}

func (e *Engine) alert(ctx context.Context, subject, body string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.SendAlert(ctx, subject, body); err != nil && !errors.Is(err, context.Canceled) {
		e.log.Warn("alert failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (e *Engine) publish() {
	if e.reporter == nil {
		return
	}
	e.reporter.Variables(e.Variables())
}

func (e *Engine) pairLabel() string {
	return e.params.Active.Symbol + "/" + e.params.Passive.Symbol
}

func describeOrders(orders []OrderIntent) string {
	parts := make([]string, 0, len(orders))
	for _, o := range orders {
		parts = append(parts, fmt.Sprintf("%s %s %s %g@%g", o.Symbol, o.Direction, o.Offset, o.Volume, o.Price))
	}
	return strings.Join(parts, "; ")
}
