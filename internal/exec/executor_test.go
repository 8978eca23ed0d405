package exec

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/metrics"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockRest struct {
	mu       sync.Mutex
	calls    int
	failures int
	batches  [][]Order
	results  func(orders []Order) []Result
	cancels  []string
	err      error
}

func (m *mockRest) PlaceOrders(ctx context.Context, orders []Order) ([]Result, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.failures > 0 {
		m.failures--
		return nil, &rest.StatusError{Path: "/exchange", Code: http.StatusBadGateway, Body: "bad gateway"}
	}
	m.batches = append(m.batches, append([]Order(nil), orders...))
	if m.results != nil {
		return m.results(orders), nil
	}
	out := make([]Result, len(orders))
	for i, o := range orders {
		out[i] = Result{ClientOrderID: o.ClientOrderID, OrderID: "oid-" + o.ClientOrderID, State: ResultResting}
	}
	return out, nil
}

func (m *mockRest) CancelByCloid(ctx context.Context, asset int, cloid string) error {
	_ = ctx
	_ = asset
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, cloid)
	return nil
}

func (m *mockRest) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type countingCounter struct {
	n int64
}

func (c *countingCounter) Inc() { atomic.AddInt64(&c.n, 1) }

func (c *countingCounter) value() int64 { return atomic.LoadInt64(&c.n) }

func fastOptions() Options {
	return Options{MaxAttempts: 3, RetryBackoff: time.Millisecond}
}

func TestExecutorIdempotentPlacement(t *testing.T) {
	store := newMemoryStore()
	rest := &mockRest{}
	logger := zap.NewNop()
	executor := New(rest, store, logger, fastOptions())

	ctx := context.Background()
	order := Order{Asset: 1, IsBuy: true, Size: 1, LimitPrice: 10, Tif: TifGtc, ClientOrderID: "abc"}

	res1, err := executor.PlaceOrders(ctx, []Order{order})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res2, err := executor.PlaceOrders(ctx, []Order{order})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res1[0].OrderID != res2[0].OrderID {
		t.Fatalf("expected same order id, got %s and %s", res1[0].OrderID, res2[0].OrderID)
	}
	if rest.calls != 1 {
		t.Fatalf("expected 1 rest call, got %d", rest.calls)
	}

	rest2 := &mockRest{}
	executor2 := New(rest2, store, logger, fastOptions())
	res3, err := executor2.PlaceOrders(ctx, []Order{order})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res3[0].OrderID != res1[0].OrderID {
		t.Fatalf("expected stored order id %s, got %s", res1[0].OrderID, res3[0].OrderID)
	}
	if rest2.calls != 0 {
		t.Fatalf("expected no rest calls on restart, got %d", rest2.calls)
	}
}

func TestExecutorSendsOnlyUnknownOrders(t *testing.T) {
	store := newMemoryStore()
	_ = store.Set(context.Background(), "cloid:known", "oid-known")
	rest := &mockRest{}
	executor := New(rest, store, zap.NewNop(), fastOptions())

	results, err := executor.PlaceOrders(context.Background(), []Order{
		{Asset: 1, Size: 1, LimitPrice: 1, ClientOrderID: "known"},
		{Asset: 2, Size: 1, LimitPrice: 1, ClientOrderID: "fresh"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rest.batches) != 1 || len(rest.batches[0]) != 1 || rest.batches[0][0].ClientOrderID != "fresh" {
		t.Fatalf("expected only the fresh order sent, got %+v", rest.batches)
	}
	if results[0].OrderID != "oid-known" || results[1].OrderID != "oid-fresh" {
		t.Fatalf("unexpected results %+v", results)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	rest := &mockRest{failures: 2}
	executor := New(rest, nil, zap.NewNop(), fastOptions())

	if _, err := executor.PlaceOrders(context.Background(), []Order{{Asset: 1, Size: 1, ClientOrderID: "x"}}); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if rest.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", rest.calls)
	}
}

func TestExecutorRetriesNetworkErrors(t *testing.T) {
	if !rest.IsRetryable(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}) {
		t.Fatalf("expected network error to be retryable")
	}
	if rest.IsRetryable(&rest.StatusError{Path: "/exchange", Code: http.StatusBadRequest}) {
		t.Fatalf("expected 400 to be final")
	}
}

func TestExecutorDoesNotRetryVenueErrors(t *testing.T) {
	mock := &mockRest{err: errors.New("exchange error: Insufficient margin to place order")}
	executor := New(mock, nil, zap.NewNop(), fastOptions())

	_, err := executor.PlaceOrders(context.Background(), []Order{{Asset: 1, Size: 1, ClientOrderID: "x"}})
	if err == nil || !strings.Contains(err.Error(), "Insufficient margin") {
		t.Fatalf("expected venue error, got %v", err)
	}
	if got := mock.callCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestExecutorGivesUpAfterMaxAttempts(t *testing.T) {
	m := metrics.NewNoop()
	failed := &countingCounter{}
	m.OrdersFailed = failed
	rest := &mockRest{failures: 10}
	executor := New(rest, nil, zap.NewNop(), Options{MaxAttempts: 2, RetryBackoff: time.Millisecond, Metrics: m})

	_, err := executor.PlaceOrders(context.Background(), []Order{{Asset: 1, Size: 1, ClientOrderID: "x"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if rest.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", rest.calls)
	}
	if got := failed.value(); got != 1 {
		t.Fatalf("expected 1 failed order, got %d", got)
	}
}

func TestExecutorRejectedOrdersAreNotRemembered(t *testing.T) {
	store := newMemoryStore()
	rest := &mockRest{results: func(orders []Order) []Result {
		return []Result{{State: ResultRejected, Error: "Insufficient margin"}}
	}}
	executor := New(rest, store, zap.NewNop(), fastOptions())

	results, err := executor.PlaceOrders(context.Background(), []Order{{Asset: 1, Size: 1, ClientOrderID: "r1"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].State != ResultRejected || results[0].ClientOrderID != "r1" {
		t.Fatalf("unexpected result %+v", results[0])
	}
	if _, ok, _ := store.Get(context.Background(), "cloid:r1"); ok {
		t.Fatalf("rejected order must not be cached")
	}
}

func TestExecutorResultCountMismatch(t *testing.T) {
	rest := &mockRest{results: func(orders []Order) []Result { return nil }}
	executor := New(rest, nil, zap.NewNop(), fastOptions())
	if _, err := executor.PlaceOrders(context.Background(), []Order{{Asset: 1, Size: 1}}); err == nil {
		t.Fatalf("expected mismatch error")
	}
}

func TestExecutorCancelRequiresCloid(t *testing.T) {
	executor := New(&mockRest{}, nil, zap.NewNop(), fastOptions())
	if err := executor.CancelByCloid(context.Background(), 1, ""); err == nil {
		t.Fatalf("expected error for empty cloid")
	}
}
