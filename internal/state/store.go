package state

import (
	"context"
	"time"
)

// AuditKeyPrefix prefixes operator command audit records.
const AuditKeyPrefix = "ops:audit:"

// Store is the key-value persistence shared by the engine snapshot, the
// exchange nonce, the executor's order ids and the operator.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Entry is one stored row with its last write time.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Lister is implemented by stores that can enumerate keys by prefix, newest
// first.
type Lister interface {
	List(ctx context.Context, prefix string, limit int) ([]Entry, error)
}
