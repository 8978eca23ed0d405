package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInfoPostsJSON(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/info" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"coin":"BTC","levels":[[],[]]}`))
	}))
	defer server.Close()

	client := New(server.URL+"/", 5*time.Second, zap.NewNop())
	resp, err := client.Info(context.Background(), InfoRequest{Type: "l2Book", Coin: "BTC"})
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if got["type"] != "l2Book" || got["coin"] != "BTC" {
		t.Fatalf("unexpected payload %v", got)
	}
	if _, ok := got["user"]; ok {
		t.Fatalf("empty user must be omitted")
	}
	if resp["coin"] != "BTC" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestQueryDecodesIntoTypedValue(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`[{"oid":7,"px":"101.5"}]`))
	}))
	defer server.Close()

	var fills []struct {
		Oid int64  `json:"oid"`
		Px  string `json:"px"`
	}
	req := InfoRequest{Type: "userFillsByTime", User: "0xabc", StartTime: 1700000000000}
	if err := New(server.URL, 5*time.Second, nil).Query(context.Background(), req, &fills); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got["startTime"] != float64(1700000000000) {
		t.Fatalf("unexpected startTime %v", got["startTime"])
	}
	if _, ok := got["endTime"]; ok {
		t.Fatalf("zero endTime must be omitted")
	}
	if len(fills) != 1 || fills[0].Oid != 7 || fills[0].Px != "101.5" {
		t.Fatalf("unexpected fills %+v", fills)
	}
}

func TestInfoAnyDecodesLists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"oid":1},{"oid":2}]`))
	}))
	defer server.Close()

	resp, err := New(server.URL, 5*time.Second, nil).InfoAny(context.Background(), map[string]any{"type": "openOrders", "user": "0xabc"})
	if err != nil {
		t.Fatalf("info any: %v", err)
	}
	list, ok := resp.([]any)
	if !ok || len(list) != 2 {
		t.Fatalf("unexpected response %#v", resp)
	}
	if _, err := New(server.URL, 5*time.Second, nil).Info(context.Background(), InfoRequest{Type: "openOrders"}); err == nil {
		t.Fatalf("expected decode error for list into object")
	}
}

func TestStatusErrors(t *testing.T) {
	var code atomic.Int64
	code.Store(http.StatusTooManyRequests)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", int(code.Load()))
	}))
	defer server.Close()
	client := New(server.URL, 5*time.Second, zap.NewNop())

	_, err := client.Info(context.Background(), InfoRequest{Type: "meta"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusTooManyRequests || statusErr.Body != "slow down" {
		t.Fatalf("expected status error, got %v", err)
	}
	if !IsTemporary(err) {
		t.Fatalf("429 must be temporary")
	}

	code.Store(http.StatusUnprocessableEntity)
	_, err = client.Info(context.Background(), InfoRequest{Type: "meta"})
	if err == nil || IsTemporary(err) {
		t.Fatalf("422 must be permanent, got %v", err)
	}
	if IsTemporary(errors.New("other")) {
		t.Fatalf("plain errors are not temporary")
	}
}
