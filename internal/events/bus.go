package events

import (
	"context"
	"errors"
	"sort"
	"sync"

	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

type Kind string

const (
	KindTick    Kind = "tick"
	KindTrade   Kind = "trade"
	KindOrder   Kind = "order"
	KindLogin   Kind = "login"
	KindTimer   Kind = "timer"
	KindControl Kind = "control"
)

var ErrClosed = errors.New("event bus closed")

// Event is one notification. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	Tick    strategy.Tick
	Trade   strategy.Trade
	Order   strategy.OrderUpdate
	Control func(ctx context.Context)
}

type Handler func(ctx context.Context, ev Event)

// Bus serializes every notification onto the goroutine running Run, so no two
// handlers ever execute concurrently. Ticks are coalesced per symbol; all
// other events are queued in publish order.
type Bus struct {
	log *zap.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[Kind]map[uint64]Handler
	ticks    map[string]strategy.Tick
	tickSeq  []string

	queue      chan Event
	tickSignal chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

func NewBus(size int, log *zap.Logger) *Bus {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:        log,
		handlers:   make(map[Kind]map[uint64]Handler),
		ticks:      make(map[string]strategy.Tick),
		queue:      make(chan Event, size),
		tickSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Subscription is the handle returned by Subscribe. Close releases it.
type Subscription struct {
	bus  *Bus
	kind Kind
	id   uint64
	once sync.Once
}

func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.handlers[s.kind], s.id)
	})
}

func (b *Bus) Subscribe(kind Kind, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][b.nextID] = h
	return &Subscription{bus: b, kind: kind, id: b.nextID}
}

// Publish hands ev to the loop. Ticks never block; other events wait for
// queue space until ctx is done.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	if ev.Kind == KindTick {
		b.mu.Lock()
		if _, ok := b.ticks[ev.Tick.Symbol]; !ok {
			b.tickSeq = append(b.tickSeq, ev.Tick.Symbol)
		}
		b.ticks[ev.Tick.Symbol] = ev.Tick
		b.mu.Unlock()
		select {
		case b.tickSignal <- struct{}{}:
		default:
		}
		return nil
	}
	select {
	case b.queue <- ev:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers events until ctx is done or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return nil
		case ev := <-b.queue:
			b.dispatch(ctx, ev)
		case <-b.tickSignal:
			for _, tick := range b.drainTicks() {
				b.dispatch(ctx, Event{Kind: KindTick, Tick: tick})
			}
		}
	}
}

func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) drainTicks() []strategy.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]strategy.Tick, 0, len(b.tickSeq))
	for _, symbol := range b.tickSeq {
		out = append(out, b.ticks[symbol])
	}
	b.ticks = make(map[string]strategy.Tick, len(out))
	b.tickSeq = b.tickSeq[:0]
	return out
}

func (b *Bus) dispatch(ctx context.Context, ev Event) {
	for _, h := range b.snapshot(ev.Kind) {
		b.invoke(ctx, h, ev)
	}
}

func (b *Bus) snapshot(kind Kind) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[kind]
	ids := make([]uint64, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, subs[id])
	}
	return out
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
		}
	}()
	h(ctx, ev)
}
