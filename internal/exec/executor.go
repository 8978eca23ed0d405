package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hl-spread-arb/internal/hl/rest"
	"hl-spread-arb/internal/metrics"
	"hl-spread-arb/internal/state"

	"go.uber.org/zap"
)

const (
	TifGtc = "Gtc"
	TifIoc = "Ioc"
	TifAlo = "Alo"
)

type Order struct {
	Asset         int
	IsBuy         bool
	Size          float64
	LimitPrice    float64
	Tif           string
	ClientOrderID string
}

type ResultState string

const (
	ResultResting  ResultState = "resting"
	ResultFilled   ResultState = "filled"
	ResultRejected ResultState = "rejected"
)

// Result is the venue's answer for one order of a submission.
type Result struct {
	ClientOrderID string
	OrderID       string
	State         ResultState
	FilledSize    float64
	Error         string
}

// RestClient submits orders as one signed action and returns a result per
// order in submission order.
type RestClient interface {
	PlaceOrders(ctx context.Context, orders []Order) ([]Result, error)
	CancelByCloid(ctx context.Context, asset int, cloid string) error
}

type Options struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Metrics      *metrics.Metrics
}

type Executor struct {
	rest        RestClient
	store       state.Store
	log         *zap.Logger
	metrics     *metrics.Metrics
	maxAttempts int
	backoff     time.Duration

	mu    sync.Mutex
	cache map[string]string
}

func New(rest RestClient, store state.Store, log *zap.Logger, opts Options) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	return &Executor{
		rest:        rest,
		store:       store,
		log:         log,
		metrics:     opts.Metrics,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.RetryBackoff,
		cache:       make(map[string]string),
	}
}

// PlaceOrders submits orders in a single action. Orders whose client id was
// already acknowledged are not resent and come back as resting with the
// remembered order id.
func (e *Executor) PlaceOrders(ctx context.Context, orders []Order) ([]Result, error) {
	if len(orders) == 0 {
		return nil, errors.New("no orders to place")
	}
	results := make([]Result, len(orders))
	pending := make([]Order, 0, len(orders))
	index := make([]int, 0, len(orders))
	for i, order := range orders {
		if order.ClientOrderID != "" {
			oid, ok, err := e.lookup(ctx, order.ClientOrderID)
			if err != nil {
				return nil, err
			}
			if ok {
				results[i] = Result{ClientOrderID: order.ClientOrderID, OrderID: oid, State: ResultResting}
				continue
			}
		}
		pending = append(pending, order)
		index = append(index, i)
	}
	if len(pending) == 0 {
		return results, nil
	}

	var placed []Result
	err := e.retry(ctx, func() error {
		var err error
		placed, err = e.rest.PlaceOrders(ctx, pending)
		return err
	})
	if err != nil {
		for range pending {
			e.metrics.OrdersFailed.Inc()
		}
		return nil, err
	}
	if len(placed) != len(pending) {
		return nil, fmt.Errorf("expected %d order results, got %d", len(pending), len(placed))
	}
	for j, res := range placed {
		order := pending[j]
		if res.ClientOrderID == "" {
			res.ClientOrderID = order.ClientOrderID
		}
		results[index[j]] = res
		if res.State == ResultRejected {
			e.metrics.OrdersFailed.Inc()
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		if res.ClientOrderID != "" && res.OrderID != "" {
			e.remember(ctx, res.ClientOrderID, res.OrderID)
		}
	}
	return results, nil
}

func (e *Executor) CancelByCloid(ctx context.Context, asset int, cloid string) error {
	if cloid == "" {
		return errors.New("cloid is required")
	}
	err := e.retry(ctx, func() error {
		return e.rest.CancelByCloid(ctx, asset, cloid)
	})
	if err == nil {
		e.metrics.CancelsSent.Inc()
	}
	return err
}

func (e *Executor) lookup(ctx context.Context, cloid string) (string, bool, error) {
	key := cacheKey(cloid)
	e.mu.Lock()
	if oid, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return oid, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return "", false, nil
	}
	oid, ok, err := e.store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
	return oid, true, nil
}

func (e *Executor) remember(ctx context.Context, cloid, oid string) {
	key := cacheKey(cloid)
	if e.store != nil {
		if err := e.store.Set(ctx, key, oid); err != nil {
			e.log.Warn("failed to persist order id", zap.String("cloid", cloid), zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[key] = oid
	e.mu.Unlock()
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := e.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !rest.IsRetryable(err) {
			return err
		}
		if attempt >= e.maxAttempts {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Debug("exchange call failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func cacheKey(cloid string) string {
	return "cloid:" + cloid
}
