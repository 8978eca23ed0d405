package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hl-spread-arb/internal/strategy"
)

func runBus(t *testing.T, bus *Bus) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Run(ctx) }()
	return cancel, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus(16, nil)
	var mu sync.Mutex
	var got []string
	record := func(ctx context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(ev.Kind)+":"+ev.Order.Ref)
	}
	bus.Subscribe(KindOrder, record)
	bus.Subscribe(KindTimer, record)

	ctx := context.Background()
	_ = bus.Publish(ctx, Event{Kind: KindOrder, Order: strategy.OrderUpdate{Ref: "a"}})
	_ = bus.Publish(ctx, Event{Kind: KindTimer})
	_ = bus.Publish(ctx, Event{Kind: KindOrder, Order: strategy.OrderUpdate{Ref: "b"}})

	cancel, done := runBus(t, bus)
	defer cancel()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	want := []string{"order:a", "timer:", "order:b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBusCoalescesTicksPerSymbol(t *testing.T) {
	bus := NewBus(16, nil)
	var mu sync.Mutex
	var got []strategy.Tick
	bus.Subscribe(KindTick, func(ctx context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Tick)
	})
	ctx := context.Background()
	_ = bus.Publish(ctx, Event{Kind: KindTick, Tick: strategy.Tick{Symbol: "BTC", BidPrice: 1}})
	_ = bus.Publish(ctx, Event{Kind: KindTick, Tick: strategy.Tick{Symbol: "@142", BidPrice: 5}})
	_ = bus.Publish(ctx, Event{Kind: KindTick, Tick: strategy.Tick{Symbol: "BTC", BidPrice: 2}})

	cancel, _ := runBus(t, bus)
	defer cancel()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	if got[0].Symbol != "BTC" || got[0].BidPrice != 2 {
		t.Fatalf("expected latest BTC tick first, got %+v", got[0])
	}
	if got[1].Symbol != "@142" {
		t.Fatalf("expected passive tick second, got %+v", got[1])
	}
}

func TestBusSubscriptionClose(t *testing.T) {
	bus := NewBus(16, nil)
	var calls int32
	sub := bus.Subscribe(KindLogin, func(ctx context.Context, ev Event) {
		atomic.AddInt32(&calls, 1)
	})
	var marker int32
	bus.Subscribe(KindTimer, func(ctx context.Context, ev Event) {
		atomic.StoreInt32(&marker, 1)
	})
	sub.Close()
	sub.Close()

	ctx := context.Background()
	_ = bus.Publish(ctx, Event{Kind: KindLogin})
	_ = bus.Publish(ctx, Event{Kind: KindTimer})
	cancel, _ := runBus(t, bus)
	defer cancel()
	waitFor(t, func() bool { return atomic.LoadInt32(&marker) == 1 })
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected closed subscription not to receive events")
	}
}

func TestBusHandlersNeverOverlap(t *testing.T) {
	bus := NewBus(64, nil)
	var inFlight, overlaps, total int32
	handler := func(ctx context.Context, ev Event) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&total, 1)
	}
	bus.Subscribe(KindTrade, handler)
	bus.Subscribe(KindOrder, handler)
	cancel, _ := runBus(t, bus)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = bus.Publish(context.Background(), Event{Kind: KindTrade})
				_ = bus.Publish(context.Background(), Event{Kind: KindOrder})
			}
		}()
	}
	wg.Wait()
	waitFor(t, func() bool { return atomic.LoadInt32(&total) == 80 })
	if atomic.LoadInt32(&overlaps) != 0 {
		t.Fatalf("expected serialized handlers, got %d overlaps", overlaps)
	}
}

func TestBusPublishRespectsContext(t *testing.T) {
	bus := NewBus(1, nil)
	if err := bus.Publish(context.Background(), Event{Kind: KindTimer}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bus.Publish(ctx, Event{Kind: KindTimer}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded on full queue, got %v", err)
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(4, nil)
	_, done := runBus(t, bus)
	bus.Close()
	if err := <-done; err != nil {
		t.Fatalf("expected nil on close, got %v", err)
	}
	if err := bus.Publish(context.Background(), Event{Kind: KindTimer}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBusRecoversHandlerPanic(t *testing.T) {
	bus := NewBus(4, nil)
	var after int32
	bus.Subscribe(KindTimer, func(ctx context.Context, ev Event) { panic("boom") })
	bus.Subscribe(KindTimer, func(ctx context.Context, ev Event) { atomic.StoreInt32(&after, 1) })
	_ = bus.Publish(context.Background(), Event{Kind: KindTimer})
	cancel, _ := runBus(t, bus)
	defer cancel()
	waitFor(t, func() bool { return atomic.LoadInt32(&after) == 1 })
}
