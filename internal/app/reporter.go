package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hl-spread-arb/internal/metrics"
	"hl-spread-arb/internal/state"
	"hl-spread-arb/internal/strategy"
	"hl-spread-arb/internal/timescale"

	"go.uber.org/zap"
)

const (
	paramsKey          = "engine:params"
	snapshotRefresh    = 30 * time.Second
	defaultSampleEvery = 5 * time.Second
	storeWriteTimeout  = 2 * time.Second
)

// reporter fans engine snapshots out to the store, the metrics gauges and the
// timescale writer. It is called from the event loop; store writes are
// coalesced and left to Run.
type reporter struct {
	store       state.Store
	metrics     *metrics.Metrics
	timescale   *timescale.Writer
	log         *zap.Logger
	sampleEvery time.Duration

	mu         sync.Mutex
	params     strategy.Params
	vars       strategy.Variables
	eval       strategy.Evaluation
	hasEval    bool
	saved      state.EngineSnapshot
	savedAt    time.Time
	lastSample time.Time

	wake       chan struct{}
	pendParams []byte
	pendSnap   *state.EngineSnapshot
}

func newReporter(store state.Store, m *metrics.Metrics, ts *timescale.Writer, log *zap.Logger) *reporter {
	if m == nil {
		m = metrics.NewNoop()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &reporter{
		store:       store,
		metrics:     m,
		timescale:   ts,
		log:         log,
		sampleEvery: defaultSampleEvery,
		wake:        make(chan struct{}, 1),
	}
}

// Run writes queued params and snapshots to the store until ctx is done,
// then flushes what is left.
func (r *reporter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return
		case <-r.wake:
			r.flush(ctx)
		}
	}
}

func (r *reporter) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *reporter) flush(parent context.Context) {
	r.mu.Lock()
	params, snap := r.pendParams, r.pendSnap
	r.pendParams, r.pendSnap = nil, nil
	r.mu.Unlock()
	if r.store == nil {
		return
	}
	if params != nil {
		ctx, cancel := context.WithTimeout(parent, storeWriteTimeout)
		if err := r.store.Set(ctx, paramsKey, string(params)); err != nil {
			r.log.Warn("params persist failed", zap.Error(err))
		}
		cancel()
	}
	if snap != nil {
		ctx, cancel := context.WithTimeout(parent, storeWriteTimeout)
		if err := state.SaveEngineSnapshot(ctx, r.store, *snap); err != nil {
			r.log.Warn("engine snapshot persist failed", zap.Error(err))
		}
		cancel()
	}
}

func (r *reporter) Params(p strategy.Params) {
	r.mu.Lock()
	r.params = p
	r.mu.Unlock()
	r.log.Info("engine params",
		zap.String("active", p.Active.Symbol),
		zap.String("passive", p.Passive.Symbol),
		zap.String("venue", p.Active.Venue),
		zap.Float64("hedge_num", p.HedgeNum),
		zap.Float64("level_pre", p.LevelPre),
		zap.Float64("level_gap", p.LevelGap),
		zap.Float64("level_num", p.LevelNum),
		zap.Float64("slippage", p.Slippage),
		zap.Int("interval", p.Interval),
		zap.String("hedge_leg", string(p.HedgeLeg)),
	)
	if r.store == nil {
		return
	}
	payload, err := json.Marshal(paramsRecord(p))
	if err != nil {
		return
	}
	r.mu.Lock()
	r.pendParams = payload
	r.mu.Unlock()
	r.signal()
}

func (r *reporter) Variables(v strategy.Variables) {
	r.metrics.ActivePosition.Set(v.ActivePos)
	r.metrics.PassivePosition.Set(v.PassivePos)
	r.metrics.NetImbalance.Set(v.Imbalance)
	degraded := 0.0
	if v.Monitor == strategy.StateDegraded {
		degraded = 1
	}
	r.metrics.Degraded.Set(degraded)

	r.mu.Lock()
	r.vars = v
	params := r.params
	snap := snapshotFromVariables(params, v)
	persist := !sameSnapshot(snap, r.saved) || v.UpdatedAt.Sub(r.savedAt) >= snapshotRefresh
	if persist {
		r.saved = snap
		r.savedAt = v.UpdatedAt
	}
	r.mu.Unlock()

	if !persist {
		return
	}
	r.timescale.EnqueueVariables(timescale.VariablesRow{
		Time:       v.UpdatedAt,
		State:      string(v.State),
		Monitor:    string(v.Monitor),
		Paused:     v.Paused,
		TimerCount: v.TimerCount,
		Interval:   v.Interval,
		ActivePos:  v.ActivePos,
		PassivePos: v.PassivePos,
		Imbalance:  v.Imbalance,
	})
	if r.store == nil {
		return
	}
	r.mu.Lock()
	r.pendSnap = &snap
	r.mu.Unlock()
	r.signal()
}

func (r *reporter) Evaluation(ev strategy.Evaluation) {
	r.metrics.RateBid.Set(ev.RateBid)
	r.metrics.RateAsk.Set(ev.RateAsk)

	r.mu.Lock()
	r.eval = ev
	r.hasEval = true
	params := r.params
	sample := len(ev.Decisions) > 0 || ev.At.Sub(r.lastSample) >= r.sampleEvery
	if sample {
		r.lastSample = ev.At
	}
	r.mu.Unlock()

	if !sample {
		return
	}
	r.timescale.EnqueueSample(timescale.SpreadSample{
		Time:       ev.At,
		Active:     params.Active.Symbol,
		Passive:    params.Passive.Symbol,
		Case:       string(ev.Case),
		SpreadBid:  ev.SpreadBid,
		SpreadAsk:  ev.SpreadAsk,
		RateBid:    ev.RateBid,
		RateAsk:    ev.RateAsk,
		BidHolding: ev.BidHolding,
		AskHolding: ev.AskHolding,
		Exposure:   ev.Exposure,
		Decisions:  len(ev.Decisions),
	})
}

func (r *reporter) last() (strategy.Variables, strategy.Evaluation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vars, r.eval, r.hasEval
}

type paramsSnapshot struct {
	Active           string  `json:"active"`
	Passive          string  `json:"passive"`
	Venue            string  `json:"venue"`
	HedgeNum         float64 `json:"hedge_num"`
	LevelPre         float64 `json:"level_pre"`
	LevelGap         float64 `json:"level_gap"`
	LevelNum         float64 `json:"level_num"`
	Slippage         float64 `json:"slippage"`
	Interval         int     `json:"interval"`
	HedgeLeg         string  `json:"hedge_leg"`
	StaleAfterMS     int64   `json:"stale_after_ms"`
	DegradedInterval int     `json:"degraded_interval"`
	AutoRecover      bool    `json:"auto_recover"`
}

func paramsRecord(p strategy.Params) paramsSnapshot {
	return paramsSnapshot{
		Active:           p.Active.Symbol,
		Passive:          p.Passive.Symbol,
		Venue:            p.Active.Venue,
		HedgeNum:         p.HedgeNum,
		LevelPre:         p.LevelPre,
		LevelGap:         p.LevelGap,
		LevelNum:         p.LevelNum,
		Slippage:         p.Slippage,
		Interval:         p.Interval,
		HedgeLeg:         string(p.HedgeLeg),
		StaleAfterMS:     p.StaleAfter.Milliseconds(),
		DegradedInterval: p.DegradedInterval,
		AutoRecover:      p.AutoRecover,
	}
}

func snapshotFromVariables(p strategy.Params, v strategy.Variables) state.EngineSnapshot {
	return state.EngineSnapshot{
		ActiveSymbol:  p.Active.Symbol,
		PassiveSymbol: p.Passive.Symbol,
		State:         string(v.State),
		Monitor:       string(v.Monitor),
		Paused:        v.Paused,
		TimerCount:    v.TimerCount,
		Interval:      v.Interval,
		ActiveRef:     v.ActiveRef,
		PassiveRef:    v.PassiveRef,
		ActivePos:     v.ActivePos,
		PassivePos:    v.PassivePos,
		Imbalance:     v.Imbalance,
		UpdatedAtMS:   v.UpdatedAt.UnixMilli(),
	}
}

// sameSnapshot ignores the timer counter and the timestamp.
func sameSnapshot(a, b state.EngineSnapshot) bool {
	a.TimerCount, b.TimerCount = 0, 0
	a.UpdatedAtMS, b.UpdatedAtMS = 0, 0
	return a == b
}
