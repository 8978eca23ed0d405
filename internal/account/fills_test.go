package account

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

func TestUserFillsByTime(t *testing.T) {
	startMS := int64(1700000000000)
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			t.Errorf("expected /info, got %s", r.URL.Path)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if err := json.Unmarshal(body, &gotPayload); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"oid":123,"coin":"BTC","sz":"1.5","px":"30000","time":1700000000001}]`))
	}))
	defer server.Close()

	restClient := rest.New(server.URL, 5*time.Second, zap.NewNop())
	acct := New(restClient, nil, zap.NewNop(), "0xabc", nil)
	fills, err := acct.UserFillsByTime(context.Background(), startMS, 0)
	if err != nil {
		t.Fatalf("user fills: %v", err)
	}
	if gotPayload["type"] != "userFillsByTime" {
		t.Fatalf("expected type userFillsByTime, got %v", gotPayload["type"])
	}
	if gotPayload["user"] != "0xabc" {
		t.Fatalf("expected user 0xabc, got %v", gotPayload["user"])
	}
	startVal, ok := gotPayload["startTime"].(float64)
	if !ok {
		t.Fatalf("expected startTime float64, got %T", gotPayload["startTime"])
	}
	if got := int64(startVal); got != startMS {
		t.Fatalf("expected startTime %d, got %d", startMS, got)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if fills[0].OrderID != "123" {
		t.Fatalf("expected order id 123, got %s", fills[0].OrderID)
	}
	if fills[0].Size != 1.5 {
		t.Fatalf("expected size 1.5, got %f", fills[0].Size)
	}
}

func TestSnapshotAfterStartAppliesMissedFills(t *testing.T) {
	acct, rec := newWatchedAccount()
	if err := acct.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	old := fill("BTC", 1, 100, "B", "1")
	missed := fill("BTC", 2, 101, "A", "0.5")
	missed["time"] = time.Now().Add(time.Minute).UnixMilli()
	send(t, acct, fillsMsg(true, old, missed))
	if len(rec.trades) != 1 || rec.trades[0].OrderRef != "2" || rec.trades[0].Direction != strategy.Short {
		t.Fatalf("expected only the post-start fill, got %+v", rec.trades)
	}
}

func TestRecoverReplaysUnseenFills(t *testing.T) {
	var gotStart float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotStart, _ = req["startTime"].(float64)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"oid":7,"coin":"BTC","side":"B","sz":"1","px":"100","time":1700000000500,"tid":1},
			{"oid":8,"coin":"@142","side":"A","sz":"1","px":"99","time":1700000000600,"tid":2}
		]`))
	}))
	defer server.Close()

	acct := New(rest.New(server.URL, 5*time.Second, zap.NewNop()), nil, zap.NewNop(), "0xabc", testSymbols)
	acct.Watch("BTC", "UBTC/USDC")
	var trades []strategy.Trade
	acct.Notify(func(tr strategy.Trade) { trades = append(trades, tr) }, nil)
	acct.startMS, acct.lastFillMS = 1700000000000, 1700000000000

	send(t, acct, fillsMsg(false, map[string]any{"coin": "BTC", "px": "100", "sz": "1", "side": "B", "time": 1700000000500, "oid": 7, "tid": 1}))
	n, err := acct.Recover(context.Background())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if int64(gotStart) != 1700000000500 {
		t.Fatalf("expected query from newest applied fill, got %v", gotStart)
	}
	if n != 1 || len(trades) != 2 || trades[1].Symbol != "UBTC/USDC" {
		t.Fatalf("expected one recovered passive trade, n=%d trades=%+v", n, trades)
	}
	if acct.lastFillMS != 1700000000600 {
		t.Fatalf("expected last fill time advanced, got %d", acct.lastFillMS)
	}
}

func TestRecoverBeforeStartIsNoop(t *testing.T) {
	acct := New(nil, nil, zap.NewNop(), "0xabc", nil)
	n, err := acct.Recover(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected noop, got n=%d err=%v", n, err)
	}
}
