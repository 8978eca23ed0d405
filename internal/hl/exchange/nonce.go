package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type NonceStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type NonceState struct {
	Key       string
	Last      uint64
	Persisted uint64
}

// nonceClock hands out strictly increasing millisecond nonces. With a store
// attached the high-water mark survives restarts.
type nonceClock struct {
	last      atomic.Uint64
	persisted atomic.Uint64
	warned    atomic.Bool

	mu    sync.Mutex
	store NonceStore
	key   string
	log   *zap.Logger
}

func (n *nonceClock) next() uint64 {
	now := uint64(time.Now().UnixMilli())
	for {
		prev := n.last.Load()
		next := now
		if prev >= next {
			next = prev + 1
		}
		if n.last.CompareAndSwap(prev, next) {
			n.persist(next)
			return next
		}
	}
}

// seed attaches store and starts from the larger of the stored nonce, the
// current time and anything already issued.
func (n *nonceClock) seed(ctx context.Context, store NonceStore, key string) error {
	seed := uint64(time.Now().UnixMilli())
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		stored, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid stored nonce %q: %w", raw, err)
		}
		seed = max(seed, stored)
	}
	seed = max(seed, n.last.Load())
	n.mu.Lock()
	n.store = store
	n.key = key
	n.mu.Unlock()
	n.last.Store(seed)
	n.persisted.Store(seed)
	return nil
}

func (n *nonceClock) persist(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.store == nil || nonce <= n.persisted.Load() {
		return
	}
	if err := n.store.Set(context.Background(), n.key, strconv.FormatUint(nonce, 10)); err != nil {
		if n.log != nil && n.warned.CompareAndSwap(false, true) {
			n.log.Warn("nonce persistence failed", zap.String("nonce_key", n.key), zap.Error(err))
		}
		return
	}
	n.persisted.Store(nonce)
	n.warned.Store(false)
}

func (n *nonceClock) state() (NonceState, bool) {
	n.mu.Lock()
	key := n.key
	n.mu.Unlock()
	if key == "" {
		return NonceState{}, false
	}
	return NonceState{Key: key, Last: n.last.Load(), Persisted: n.persisted.Load()}, true
}

func nonceStoreKey(baseURL string, signer *Signer, vaultAddress *common.Address) string {
	addr := "unknown"
	if signer != nil {
		addr = strings.ToLower(signer.Address().Hex())
	}
	vault := "none"
	if vaultAddress != nil {
		vault = strings.ToLower(vaultAddress.Hex())
	}
	return fmt.Sprintf("exchange:nonce:%s:%s:%s", strings.ToLower(strings.TrimSpace(baseURL)), addr, vault)
}
