package state

import (
	"context"
	"encoding/json"
	"strings"
)

const EngineSnapshotKey = "engine:last_snapshot"

// EngineSnapshot is the last published variable snapshot, kept for
// inspection after a restart. It is never used to seed the engine: positions
// always come from the venue on start.
type EngineSnapshot struct {
	ActiveSymbol  string  `json:"active_symbol"`
	PassiveSymbol string  `json:"passive_symbol"`
	State         string  `json:"state"`
	Monitor       string  `json:"monitor"`
	Paused        bool    `json:"paused"`
	TimerCount    int     `json:"timer_count"`
	Interval      int     `json:"interval"`
	ActiveRef     string  `json:"active_ref,omitempty"`
	PassiveRef    string  `json:"passive_ref,omitempty"`
	ActivePos     float64 `json:"active_pos"`
	PassivePos    float64 `json:"passive_pos"`
	Imbalance     float64 `json:"imbalance"`
	UpdatedAtMS   int64   `json:"updated_at_ms"`
}

func LoadEngineSnapshot(ctx context.Context, store Store) (EngineSnapshot, bool, error) {
	if store == nil {
		return EngineSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, EngineSnapshotKey)
	if err != nil {
		return EngineSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return EngineSnapshot{}, false, nil
	}
	var snapshot EngineSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return EngineSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveEngineSnapshot(ctx context.Context, store Store, snapshot EngineSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, EngineSnapshotKey, string(payload))
}
