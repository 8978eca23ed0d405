package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hl-spread-arb/internal/account"
	"hl-spread-arb/internal/config"
	"hl-spread-arb/internal/exec"
	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/logging"
	"hl-spread-arb/internal/market"
	"hl-spread-arb/internal/state"
	"hl-spread-arb/internal/state/sqlite"
	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

const (
	defaultVerifyEnvFile = ".env"
	defaultAuditEntries  = 10
	defaultVerifyTimeout = 30 * time.Second
)

// verify performs a read-only dry run of one engine cycle: it resolves both
// legs, reads positions and books over REST, evaluates the spread and prints
// the decisions the engine would take. Nothing is sent to the exchange.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file (see internal/config/config.example.yaml)")
	auditEntries := flag.Int("audit", defaultAuditEntries, "number of recent operator audit entries to print (0 disables)")
	flag.Parse()

	if err := config.LoadEnv(defaultVerifyEnvFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), defaultVerifyTimeout)
	defer cancel()

	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	md := market.New(restClient, log)
	if err := md.RefreshContexts(ctx); err != nil {
		fatal(fmt.Errorf("refresh contexts: %w", err))
	}

	params := strategy.ParamsFromConfig(cfg.Engine)
	legs := []config.LegConfig{cfg.Engine.Active, cfg.Engine.Passive}
	instruments := make(map[string]exec.Instrument, len(legs))
	for _, leg := range legs {
		inst, ok := md.Instrument(leg.Symbol)
		if !ok {
			fatal(fmt.Errorf("unknown instrument %s", leg.Symbol))
		}
		if inst.Spot != (leg.Kind == config.LegKindSpot) {
			fatal(fmt.Errorf("instrument %s is not a %s market", leg.Symbol, leg.Kind))
		}
		instruments[leg.Symbol] = inst
		fmt.Printf("leg %s: coin=%s asset=%d sz_decimals=%d spot=%t\n", leg.Symbol, md.Coin(leg.Symbol), inst.Asset, inst.SzDecimals, inst.Spot)
	}
	params = params.WithSizeSteps(
		exec.SizeStep(instruments[params.Active.Symbol].SzDecimals),
		exec.SizeStep(instruments[params.Passive.Symbol].SzDecimals),
	)

	activePos, passivePos := readPositions(ctx, restClient, md, log, params)
	fmt.Printf("positions: active=%.6f passive=%.6f imbalance=%.6f\n", activePos, passivePos, activePos+passivePos+params.HedgeNum)

	feed := market.NewBookFeed(nil, md, nil, log)
	active, err := fetchTick(ctx, restClient, feed, params.Active.Symbol)
	if err != nil {
		fatal(err)
	}
	passive, err := fetchTick(ctx, restClient, feed, params.Passive.Symbol)
	if err != nil {
		fatal(err)
	}
	printTick("active", active)
	printTick("passive", passive)

	in := strategy.EvalInput{
		Active:     active,
		Passive:    passive,
		ActivePos:  activePos,
		PassivePos: passivePos,
		Params:     params,
	}
	if hedge, ok := strategy.HedgeCorrection(in); ok {
		fmt.Println("hedge correction required:")
		printDecision(hedge, instruments, params.Slippage)
	}
	ev := strategy.Evaluate(in)
	fmt.Printf("evaluation: case=%s spread_bid=%.6f spread_ask=%.6f rate_bid=%.6f rate_ask=%.6f\n",
		caseName(ev.Case), ev.SpreadBid, ev.SpreadAsk, ev.RateBid, ev.RateAsk)
	fmt.Printf("holding: bid=%.4f ask=%.4f exposure=%.4f\n", ev.BidHolding, ev.AskHolding, ev.Exposure)
	if len(ev.Decisions) == 0 {
		fmt.Println("no decisions")
	}
	for _, d := range ev.Decisions {
		printDecision(d, instruments, params.Slippage)
	}

	printStoredState(ctx, cfg.State.SQLitePath, *auditEntries)
}

func readPositions(ctx context.Context, restClient *rest.Client, md *market.MarketData, log *zap.Logger, params strategy.Params) (float64, float64) {
	user := strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS"))
	if user == "" {
		user = strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS"))
	}
	if user == "" {
		fmt.Println("positions: no account address set, assuming flat")
		return 0, 0
	}
	acct := account.New(restClient, nil, log, user, md)
	net := func(symbol string) float64 {
		long, short, _, err := acct.Position(ctx, symbol)
		if err != nil {
			fatal(fmt.Errorf("position %s: %w", symbol, err))
		}
		return long - short
	}
	return net(params.Active.Symbol), net(params.Passive.Symbol)
}

func fetchTick(ctx context.Context, restClient *rest.Client, feed *market.BookFeed, symbol string) (strategy.Tick, error) {
	coin := feed.Track(symbol)
	resp, err := restClient.Info(ctx, rest.InfoRequest{Type: "l2Book", Coin: coin})
	if err != nil {
		return strategy.Tick{}, fmt.Errorf("l2Book %s: %w", coin, err)
	}
	tick, ok := feed.Snapshot(resp)
	if !ok {
		return strategy.Tick{}, fmt.Errorf("l2Book %s: unexpected payload", coin)
	}
	return tick, nil
}

func printTick(role string, t strategy.Tick) {
	fmt.Printf("%s %s: bid=%.8g x %.6g ask=%.8g x %.6g last=%.8g\n", role, t.Symbol, t.BidPrice, t.BidVolume, t.AskPrice, t.AskVolume, t.LastPrice)
}

func printDecision(d strategy.Decision, instruments map[string]exec.Instrument, slippage float64) {
	fmt.Printf("decision: kind=%s case=%s volume=%.6f reason=%q\n", d.Kind, caseName(d.Case), d.Volume, d.Reason)
	for _, o := range d.Orders {
		inst := instruments[o.Symbol]
		isBuy := o.Direction == strategy.Long
		limit := exec.NormalizeLimitPrice(exec.SlippagePrice(o.Price, isBuy, slippage), inst.Spot, inst.SzDecimals)
		size := exec.RoundSize(o.Volume, inst.SzDecimals)
		fmt.Printf("  %s %s %s %s: quote=%.8g limit=%.8g size=%.8g\n", o.Role, o.Offset, o.Direction, o.Symbol, o.Price, limit, size)
	}
}

func printStoredState(ctx context.Context, path string, n int) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		fatal(err)
	}
	store, err := sqlite.New(path)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = store.Close() }()

	snap, ok, err := state.LoadEngineSnapshot(ctx, store)
	if err != nil {
		fatal(err)
	}
	if ok {
		fmt.Printf("stored snapshot (%s): state=%s monitor=%s paused=%t active_pos=%.6f passive_pos=%.6f\n",
			time.UnixMilli(snap.UpdatedAtMS).UTC().Format(time.RFC3339), snap.State, snap.Monitor, snap.Paused, snap.ActivePos, snap.PassivePos)
	}
	if n <= 0 {
		return
	}
	entries, err := store.List(ctx, state.AuditKeyPrefix, n)
	if err != nil {
		fatal(err)
	}
	for _, e := range entries {
		fmt.Printf("audit %s %s\n", e.UpdatedAt.Format(time.RFC3339), e.Value)
	}
}

func caseName(c strategy.Case) string {
	if c == "" {
		return "none"
	}
	return string(c)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
	os.Exit(1)
}
