package market

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// number decodes the venue's decimal strings as well as plain JSON numbers.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(bytes.Trim(b, `"`)))
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("decimal %s: %w", b, err)
	}
	*n = number(f)
	return nil
}

type perpAsset struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

type perpAssetCtx struct {
	OraclePx number `json:"oraclePx"`
	MarkPx   number `json:"markPx"`
}

type perpMeta struct {
	Universe  []perpAsset    `json:"universe"`
	AssetCtxs []perpAssetCtx `json:"assetCtxs"`
}

type spotToken struct {
	Name       string `json:"name"`
	Index      *int   `json:"index"`
	SzDecimals *int   `json:"szDecimals"`
}

type spotPair struct {
	Name   string `json:"name"`
	Index  *int   `json:"index"`
	Tokens []int  `json:"tokens"`
}

type spotMeta struct {
	Universe []spotPair  `json:"universe"`
	Tokens   []spotToken `json:"tokens"`
}

// bookLevel is one price level of an l2Book side.
type bookLevel struct {
	Price float64
	Size  float64
}

type bookUpdate struct {
	Coin string
	Time int64
	Bids []bookLevel
	Asks []bookLevel
}

type tradePrint struct {
	Coin  string
	Price float64
	Time  int64
}

type wireLevel struct {
	Px number `json:"px"`
	Sz number `json:"sz"`
}

type wireBook struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]wireLevel `json:"levels"`
}

type wireTrade struct {
	Coin string `json:"coin"`
	Px   number `json:"px"`
	Time int64  `json:"time"`
}

// remarshal moves an already decoded info response into a typed value.
func remarshal(in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// parsePerpContexts accepts metaAndAssetCtxs as the [meta, contexts] pair or
// as a single object carrying both lists.
func parsePerpContexts(payload any) (map[string]PerpContext, error) {
	var meta perpMeta
	if pair, ok := payload.([]any); ok {
		if len(pair) < 2 {
			return nil, errors.New("metaAndAssetCtxs: expected meta and contexts")
		}
		if err := remarshal(pair[0], &meta); err != nil {
			return nil, fmt.Errorf("metaAndAssetCtxs meta: %w", err)
		}
		if err := remarshal(pair[1], &meta.AssetCtxs); err != nil {
			return nil, fmt.Errorf("metaAndAssetCtxs contexts: %w", err)
		}
	} else if err := remarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("metaAndAssetCtxs: %w", err)
	}
	if len(meta.Universe) == 0 || len(meta.AssetCtxs) == 0 {
		return nil, errors.New("metaAndAssetCtxs missing universe or asset contexts")
	}
	out := make(map[string]PerpContext, len(meta.Universe))
	for i, asset := range meta.Universe {
		name := strings.TrimSpace(asset.Name)
		if name == "" || i >= len(meta.AssetCtxs) {
			continue
		}
		ctx := meta.AssetCtxs[i]
		out[name] = PerpContext{
			Index:       i,
			OraclePrice: float64(ctx.OraclePx),
			MarkPrice:   float64(ctx.MarkPx),
			SzDecimals:  asset.SzDecimals,
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no perp contexts parsed")
	}
	return out, nil
}

// parseSpotContexts indexes every spot pair under its display symbol, its raw
// venue name and, when unambiguous, its base token.
func parseSpotContexts(payload any) (map[string]SpotContext, error) {
	var meta spotMeta
	if pair, ok := payload.([]any); ok {
		if len(pair) == 0 {
			return nil, errors.New("spot meta: empty response")
		}
		payload = pair[0]
	}
	if err := remarshal(payload, &meta); err != nil {
		return nil, fmt.Errorf("spot meta: %w", err)
	}
	if len(meta.Universe) == 0 {
		return nil, errors.New("spot meta missing universe")
	}
	tokens := make(map[int]spotToken, len(meta.Tokens))
	for i, token := range meta.Tokens {
		if strings.TrimSpace(token.Name) == "" {
			continue
		}
		tokens[indexOr(token.Index, i)] = token
	}

	out := make(map[string]SpotContext)
	for i, pair := range meta.Universe {
		raw := strings.TrimSpace(pair.Name)
		ctx := SpotContext{
			Index:           indexOr(pair.Index, i),
			RawName:         raw,
			BaseSzDecimals:  -1,
			QuoteSzDecimals: -1,
		}
		if len(pair.Tokens) >= 2 {
			base, quote := tokens[pair.Tokens[0]], tokens[pair.Tokens[1]]
			ctx.Base, ctx.BaseSzDecimals = base.Name, indexOr(base.SzDecimals, -1)
			ctx.Quote, ctx.QuoteSzDecimals = quote.Name, indexOr(quote.SzDecimals, -1)
		}
		switch {
		case raw != "" && !strings.HasPrefix(raw, "@"):
			ctx.Symbol = raw
		case ctx.Base != "" && ctx.Quote != "":
			ctx.Symbol = ctx.Base + "/" + ctx.Quote
		default:
			ctx.Symbol = raw
		}
		if ctx.Symbol == "" {
			continue
		}
		ctx.MidKey = raw
		if ctx.MidKey == "" {
			ctx.MidKey = ctx.Symbol
		}
		out[ctx.Symbol] = ctx
		if raw != "" {
			out[raw] = ctx
		}
		if ctx.Base != "" {
			if _, taken := out[ctx.Base]; !taken {
				out[ctx.Base] = ctx
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no spot contexts parsed")
	}
	return out, nil
}

func indexOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

// parseBook reads an l2Book payload, either the websocket data object or the
// info response.
func parseBook(raw []byte) (bookUpdate, bool) {
	var wb wireBook
	if err := json.Unmarshal(raw, &wb); err != nil {
		return bookUpdate{}, false
	}
	coin := strings.TrimSpace(wb.Coin)
	if coin == "" || len(wb.Levels) < 2 {
		return bookUpdate{}, false
	}
	return bookUpdate{
		Coin: coin,
		Time: wb.Time,
		Bids: bookSide(wb.Levels[0]),
		Asks: bookSide(wb.Levels[1]),
	}, true
}

func bookSide(levels []wireLevel) []bookLevel {
	out := make([]bookLevel, 0, len(levels))
	for _, level := range levels {
		if level.Px <= 0 {
			continue
		}
		out = append(out, bookLevel{Price: float64(level.Px), Size: float64(level.Sz)})
	}
	return out
}

func parseTrades(raw []byte) []tradePrint {
	var trades []wireTrade
	if err := json.Unmarshal(raw, &trades); err != nil {
		return nil
	}
	out := make([]tradePrint, 0, len(trades))
	for _, trade := range trades {
		coin := strings.TrimSpace(trade.Coin)
		if coin == "" || trade.Px <= 0 {
			continue
		}
		out = append(out, tradePrint{Coin: coin, Price: float64(trade.Px), Time: trade.Time})
	}
	return out
}
