package market

import (
	"context"
	"strings"
	"sync"
	"time"

	"hl-spread-arb/internal/exec"
	"hl-spread-arb/internal/hl/rest"

	"go.uber.org/zap"
)

const spotAssetOffset = 10000

type PerpContext struct {
	Index       int
	OraclePrice float64
	MarkPrice   float64
	SzDecimals  int
}

type SpotContext struct {
	Symbol          string
	Base            string
	Quote           string
	Index           int
	BaseSzDecimals  int
	QuoteSzDecimals int
	RawName         string
	MidKey          string
}

type InfoClient interface {
	InfoAny(ctx context.Context, req interface{}) (any, error)
}

// MarketData resolves configured symbols to venue instruments. Perp symbols
// are coin names ("BTC"); spot symbols may be a pair ("PURR/USDC"), a raw
// index name ("@142") or a base token.
type MarketData struct {
	rest InfoClient
	log  *zap.Logger

	mu               sync.RWMutex
	perpCtx          map[string]PerpContext
	spotCtx          map[string]SpotContext
	lastCtxRefresh   time.Time
	ctxRefreshWindow time.Duration
}

func New(restClient InfoClient, log *zap.Logger) *MarketData {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarketData{
		rest:             restClient,
		log:              log,
		perpCtx:          make(map[string]PerpContext),
		spotCtx:          make(map[string]SpotContext),
		ctxRefreshWindow: 30 * time.Second,
	}
}

func (m *MarketData) RefreshContexts(ctx context.Context) error {
	if m.rest == nil {
		return nil
	}
	if !m.shouldRefresh() {
		return nil
	}
	perpResp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "metaAndAssetCtxs"})
	if err != nil {
		return err
	}
	spotResp, err := m.rest.InfoAny(ctx, rest.InfoRequest{Type: "spotMetaAndAssetCtxs"})
	if err != nil {
		spotResp, err = m.rest.InfoAny(ctx, rest.InfoRequest{Type: "spotMeta"})
		if err != nil {
			return err
		}
	}
	perpCtx, err := parsePerpContexts(perpResp)
	if err != nil {
		return err
	}
	spotCtx, err := parseSpotContexts(spotResp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.perpCtx = perpCtx
	m.spotCtx = spotCtx
	m.lastCtxRefresh = time.Now().UTC()
	m.mu.Unlock()
	m.log.Debug("instrument contexts refreshed", zap.Int("perps", len(perpCtx)), zap.Int("spots", len(spotCtx)))
	return nil
}

func (m *MarketData) shouldRefresh() bool {
	m.mu.RLock()
	last := m.lastCtxRefresh
	window := m.ctxRefreshWindow
	m.mu.RUnlock()
	if last.IsZero() {
		return true
	}
	return time.Since(last) >= window
}

func (m *MarketData) SpotContext(asset string) (SpotContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.spotContextLocked(asset)
}

func (m *MarketData) spotContextLocked(asset string) (SpotContext, bool) {
	ctx, ok := m.spotCtx[asset]
	if !ok && !strings.Contains(asset, "/") && !strings.HasPrefix(asset, "@") {
		ctx, ok = m.spotCtx[asset+"/USDC"]
	}
	return ctx, ok
}

func (m *MarketData) PerpContext(asset string) (PerpContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ctx, ok := m.perpCtx[asset]
	return ctx, ok
}

// Instrument resolves perps first, then spots.
func (m *MarketData) Instrument(symbol string) (exec.Instrument, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !isSpotSymbol(symbol) {
		if ctx, ok := m.perpCtx[symbol]; ok {
			return exec.Instrument{Asset: ctx.Index, SzDecimals: ctx.SzDecimals}, true
		}
	}
	ctx, ok := m.spotContextLocked(symbol)
	if !ok {
		return exec.Instrument{}, false
	}
	return exec.Instrument{Asset: spotAssetOffset + ctx.Index, SzDecimals: ctx.BaseSzDecimals, Spot: true}, true
}

// Coin is the name the websocket and fills use for symbol.
func (m *MarketData) Coin(symbol string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !isSpotSymbol(symbol) {
		if _, ok := m.perpCtx[symbol]; ok {
			return symbol
		}
	}
	if ctx, ok := m.spotContextLocked(symbol); ok && ctx.MidKey != "" {
		return ctx.MidKey
	}
	return symbol
}

// SpotBase returns the base token held for a spot symbol.
func (m *MarketData) SpotBase(symbol string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !isSpotSymbol(symbol) {
		if _, ok := m.perpCtx[symbol]; ok {
			return "", false
		}
	}
	ctx, ok := m.spotContextLocked(symbol)
	if !ok || ctx.Base == "" {
		return "", false
	}
	return ctx.Base, true
}

func isSpotSymbol(symbol string) bool {
	return strings.HasPrefix(symbol, "@") || strings.Contains(symbol, "/")
}
