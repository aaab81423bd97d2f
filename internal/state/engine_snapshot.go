package state

import (
	"context"
	"encoding/json"
	"strings"
)

const EngineSnapshotKey = "engine:last_snapshot"

// EngineSnapshot is the last published portfolio view, persisted so a
// restarted process can report what it previously believed before its first
// fresh read completes. Decisions never consume it; they re-read the venue.
type EngineSnapshot struct {
	TotalValue     float64 `json:"total_value"`
	TotalSpotValue float64 `json:"total_spot_value"`
	FuturesBalance float64 `json:"futures_balance"`
	DeployedUSD    float64 `json:"deployed_usd"`
	Utilization    float64 `json:"utilization"`
	TotalPnL       float64 `json:"total_pnl"`
	Positions      int     `json:"positions"`
	UpdatedAtMS    int64   `json:"updated_at_ms"`
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
