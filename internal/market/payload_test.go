package market

import (
	"encoding/json"
	"testing"
)

func TestParsePerpContextsArray(t *testing.T) {
	payload := []any{
		map[string]any{
			"universe": []any{
				map[string]any{"name": "BTC", "szDecimals": 5},
				map[string]any{"name": "ETH", "szDecimals": 4},
			},
		},
		[]any{
			map[string]any{"funding": "0.001", "oraclePx": "30000", "markPx": "30010"},
			map[string]any{"funding": 0.002, "oraclePx": 2000.0, "markPx": "1995"},
		},
	}

	ctxs, err := parsePerpContexts(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	btc := ctxs["BTC"]
	if !closeEnough(btc.OraclePrice, 30000) {
		t.Fatalf("expected BTC oracle 30000, got %f", btc.OraclePrice)
	}
	if btc.Index != 0 {
		t.Fatalf("expected BTC index 0, got %d", btc.Index)
	}
	if btc.SzDecimals != 5 {
		t.Fatalf("expected BTC sz decimals 5, got %d", btc.SzDecimals)
	}
	eth := ctxs["ETH"]
	if eth.Index != 1 || !closeEnough(eth.MarkPrice, 1995) {
		t.Fatalf("unexpected ETH context %+v", eth)
	}
}

func TestParsePerpContextsMap(t *testing.T) {
	payload := map[string]any{
		"universe": []any{
			map[string]any{"name": "SOL"},
		},
		"assetCtxs": []any{
			map[string]any{"funding": 0.005, "oraclePx": 20.5},
		},
	}

	ctxs, err := parsePerpContexts(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closeEnough(ctxs["SOL"].OraclePrice, 20.5) {
		t.Fatalf("expected SOL oracle 20.5, got %f", ctxs["SOL"].OraclePrice)
	}
}

func TestParseSpotContexts(t *testing.T) {
	payload := []any{
		map[string]any{
			"universe": []any{
				map[string]any{"name": "@0", "index": 0, "tokens": []any{1, 0}},
				map[string]any{"name": "ETH/USDC", "index": 1, "tokens": []any{2, 0}},
			},
			"tokens": []any{
				map[string]any{"name": "USDC", "index": 0, "szDecimals": 8},
				map[string]any{"name": "BTC", "index": 1, "szDecimals": 5},
				map[string]any{"name": "ETH", "index": 2, "szDecimals": 4},
			},
		},
		[]any{},
	}

	ctxs, err := parseSpotContexts(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	btc := ctxs["BTC/USDC"]
	if btc.Index != 0 {
		t.Fatalf("expected BTC/USDC index 0, got %d", ctxs["BTC/USDC"].Index)
	}
	if btc.MidKey != "@0" {
		t.Fatalf("expected BTC/USDC mid key @0, got %s", btc.MidKey)
	}
	if btc.BaseSzDecimals != 5 {
		t.Fatalf("expected BTC sz decimals 5, got %d", btc.BaseSzDecimals)
	}
	if ctxs["ETH/USDC"].Symbol == "" {
		t.Fatalf("expected ETH/USDC symbol to be parsed")
	}
}

func TestParseBook(t *testing.T) {
	raw := []byte(`{"coin":"BTC","time":1700000000000,"levels":[` +
		`[{"px":"100.5","sz":"2","n":1},{"px":"100.4","sz":"3","n":2}],` +
		`[{"px":"100.6","sz":"1.5","n":1}]]}`)
	book, ok := parseBook(raw)
	if !ok {
		t.Fatalf("expected book parsed")
	}
	if book.Coin != "BTC" || book.Time != 1700000000000 {
		t.Fatalf("unexpected header %+v", book)
	}
	if len(book.Bids) != 2 || !closeEnough(book.Bids[0].Price, 100.5) || !closeEnough(book.Bids[0].Size, 2) {
		t.Fatalf("unexpected bids %+v", book.Bids)
	}
	if len(book.Asks) != 1 || !closeEnough(book.Asks[0].Price, 100.6) {
		t.Fatalf("unexpected asks %+v", book.Asks)
	}
	if _, ok := parseBook([]byte(`{"coin":"BTC"}`)); ok {
		t.Fatalf("expected missing levels rejected")
	}
	if _, ok := parseBook([]byte(`{"coin":"BTC","levels":[[{"px":"abc","sz":"1"}],[]]}`)); ok {
		t.Fatalf("expected malformed price rejected")
	}
}

func TestParseTrades(t *testing.T) {
	trades := parseTrades([]byte(`[` +
		`{"coin":"@142","side":"B","px":"99.1","sz":"1","time":5},` +
		`{"coin":"","px":"1"},` +
		`{"coin":"BTC","px":"0"}]`))
	if len(trades) != 1 || trades[0].Coin != "@142" || !closeEnough(trades[0].Price, 99.1) || trades[0].Time != 5 {
		t.Fatalf("unexpected trades %+v", trades)
	}
	if parseTrades([]byte(`"x"`)) != nil {
		t.Fatalf("expected non-list payload ignored")
	}
}

func TestNumberAcceptsStringsAndNumbers(t *testing.T) {
	var v struct {
		A number `json:"a"`
		B number `json:"b"`
		C number `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1.25","b":3,"c":null}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.A != 1.25 || v.B != 3 || v.C != 0 {
		t.Fatalf("unexpected values %+v", v)
	}
}

func closeEnough(a, b float64) bool {
	const eps = 1e-9
	if a > b {
		return a-b < eps
	}
	return b-a < eps
}
