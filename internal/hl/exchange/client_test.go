package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/state/sqlite"

	"go.uber.org/zap"
)

func TestNextNonceAtLeastNow(t *testing.T) {
	var c nonceClock
	start := uint64(time.Now().UnixMilli())
	nonce := c.next()
	if nonce < start {
		t.Fatalf("expected nonce >= %d, got %d", start, nonce)
	}
}

func TestNextNonceMonotonicWhenTimeDoesNotAdvance(t *testing.T) {
	var c nonceClock
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	c.last.Store(base)
	if got := c.next(); got != base+1 {
		t.Fatalf("expected %d, got %d", base+1, got)
	}
	if got := c.next(); got != base+2 {
		t.Fatalf("expected %d, got %d", base+2, got)
	}
}

func TestNextNonceConcurrentUnique(t *testing.T) {
	var c nonceClock
	base := uint64(time.Now().UnixMilli()) + 86_400_000
	c.last.Store(base)

	const n = 128
	results := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			results[idx] = c.next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, n)
	min := uint64(0)
	max := uint64(0)
	for i, nonce := range results {
		if _, ok := seen[nonce]; ok {
			t.Fatalf("duplicate nonce %d at index %d", nonce, i)
		}
		seen[nonce] = struct{}{}
		if min == 0 || nonce < min {
			min = nonce
		}
		if nonce > max {
			max = nonce
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d unique nonces, got %d", n, len(seen))
	}
	if min != base+1 || max != base+n {
		t.Fatalf("expected nonces in range [%d, %d], got [%d, %d]", base+1, base+n, min, max)
	}
}

func TestInitNonceStoreSeedsAndPersists(t *testing.T) {
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", true)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	ctx := context.Background()
	client, err := NewClient("https://api.hyperliquid.xyz", 2*time.Second, signer, "")
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	client.SetLogger(zap.NewNop())
	seed := uint64(time.Now().UnixMilli()) + 10_000
	key := nonceStoreKey(client.baseURL, client.signer, client.vault)
	if err := store.Set(ctx, key, strconv.FormatUint(seed, 10)); err != nil {
		t.Fatalf("store seed: %v", err)
	}
	if err := client.InitNonceStore(ctx, store); err != nil {
		t.Fatalf("init nonce store: %v", err)
	}
	if state, ok := client.NonceState(); !ok {
		t.Fatalf("expected nonce state")
	} else if state.Key == "" || state.Last != seed || state.Persisted != seed {
		t.Fatalf("unexpected nonce state: %+v", state)
	}
	nonce := client.nonces.next()
	if nonce != seed+1 {
		t.Fatalf("expected nonce %d, got %d", seed+1, nonce)
	}
	if state, ok := client.NonceState(); !ok {
		t.Fatalf("expected nonce state after update")
	} else if state.Last != nonce || state.Persisted != nonce {
		t.Fatalf("expected nonce state %d, got %+v", nonce, state)
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if !ok {
		t.Fatalf("expected stored nonce")
	}
	persisted, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		t.Fatalf("parse stored nonce: %v", err)
	}
	if persisted != nonce {
		t.Fatalf("expected stored nonce %d, got %d", nonce, persisted)
	}
}

func TestPlaceOrdersPostsSignedBatch(t *testing.T) {
	var got struct {
		Action struct {
			Type   string           `json:"type"`
			Orders []map[string]any `json:"orders"`
		} `json:"action"`
		Nonce     uint64    `json:"nonce"`
		Signature Signature `json:"signature"`
	}
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":1}},{"resting":{"oid":2}}]}}}`))
	}))
	defer server.Close()

	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", false)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	client, err := NewClient(server.URL, 2*time.Second, signer, "")
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	first, _ := LimitOrder{Asset: 0, Size: 1, Price: 101.5, Tif: TifIoc, Cloid: testCloid(1)}.Wire()
	second, _ := LimitOrder{Asset: 10142, IsBuy: true, Size: 1, Price: 100, Tif: TifIoc, Cloid: testCloid(2)}.Wire()
	resp, err := client.PlaceOrders(context.Background(), []OrderWire{first, second})
	if err != nil {
		t.Fatalf("place orders: %v", err)
	}
	if path != "/exchange" {
		t.Fatalf("expected /exchange, got %s", path)
	}
	if got.Action.Type != "order" || len(got.Action.Orders) != 2 {
		t.Fatalf("unexpected action: %+v", got.Action)
	}
	if got.Nonce == 0 || got.Signature.R == "" || got.Signature.S == "" {
		t.Fatalf("expected signed payload, got nonce=%d sig=%+v", got.Nonce, got.Signature)
	}
	if len(resp.Statuses) != 2 {
		t.Fatalf("expected two statuses, got %+v", resp.Statuses)
	}
	if _, err := client.PlaceOrders(context.Background(), nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestPostReportsStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", false)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	client, err := NewClient(server.URL, 2*time.Second, signer, "0x0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	_, err = client.CancelOrder(context.Background(), 0, 42)
	if !rest.IsTemporary(err) {
		t.Fatalf("expected temporary status error, got %v", err)
	}
}

func TestCancelByCloidRequiresCloid(t *testing.T) {
	signer, err := NewSigner("4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2", false)
	if err != nil {
		t.Fatalf("signer error: %v", err)
	}
	client, err := NewClient("http://127.0.0.1:0", time.Second, signer, "")
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	if _, err := client.CancelByCloid(context.Background(), 0, " "); err == nil {
		t.Fatalf("expected error for empty cloid")
	}
}
