package sqlite

import (
	"context"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "key", "value"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	val, ok, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !ok || val != "value" {
		t.Fatalf("unexpected value: %v (ok=%v)", val, ok)
	}
	if err := store.Delete(ctx, "key"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, ok, err = store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ok {
		t.Fatalf("expected key to be deleted")
	}
}

func TestStoreListByPrefix(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for _, key := range []string{"ops:audit:1", "ops:audit:2", "cloid:0x01", "ops:audit:3"} {
		if err := store.Set(ctx, key, "v-"+key); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	entries, err := store.List(ctx, "ops:audit:", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.Key == "cloid:0x01" {
			t.Fatalf("prefix filter leaked %s", e.Key)
		}
		if e.Value != "v-"+e.Key || e.UpdatedAt.IsZero() {
			t.Fatalf("unexpected entry %+v", e)
		}
	}
	if entries[0].Key != "ops:audit:3" {
		t.Fatalf("expected newest first, got %s", entries[0].Key)
	}
}

func TestStoreReopenKeepsSchema(t *testing.T) {
	path := t.TempDir() + "/state.db"
	first, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = first.Close()

	second, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	val, ok, err := second.Get(context.Background(), "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("unexpected value %q ok=%v err=%v", val, ok, err)
	}
}
