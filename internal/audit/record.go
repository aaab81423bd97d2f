package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"bn-harvest-bot/internal/state"

	"github.com/vmihailenco/msgpack/v5"
)

const recordKeyPrefix = "audit:"

// RecordStore is the slice of state.Store the ledger needs.
type RecordStore interface {
	Set(ctx context.Context, key, value string) error
	List(ctx context.Context, prefix string) ([]state.Entry, error)
}

// Record is the durable form of a completed step, keyed by step-start
// timestamp so the ledger is append-only and naturally ordered.
type Record struct {
	Step        string            `msgpack:"step"`
	StartedAtMS int64             `msgpack:"started_at_ms"`
	EndedAtMS   int64             `msgpack:"ended_at_ms"`
	Success     bool              `msgpack:"success"`
	Validations map[string]bool   `msgpack:"validations"`
	Context     map[string]string `msgpack:"context,omitempty"`
}

func recordFromStep(step Step) Record {
	validations := make(map[string]bool, len(step.Validations))
	for name, v := range step.Validations {
		validations[name] = v.Success
	}
	var context map[string]string
	if len(step.Context) > 0 {
		context = make(map[string]string, len(step.Context))
		for k, v := range step.Context {
			context[k] = fmt.Sprint(v)
		}
	}
	return Record{
		Step:        string(step.Name),
		StartedAtMS: step.StartTime.UnixMilli(),
		EndedAtMS:   step.CompletedAt.UnixMilli(),
		Success:     step.Success,
		Validations: validations,
		Context:     context,
	}
}

type ledgerStore struct {
	store RecordStore
}

func newLedgerStore(store RecordStore) *ledgerStore {
	return &ledgerStore{store: store}
}

func (l *ledgerStore) append(step Step) error {
	record := recordFromStep(step)
	payload, err := msgpack.Marshal(record)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%019d:%s", recordKeyPrefix, step.StartTime.UnixNano(), step.Name)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return l.store.Set(ctx, key, base64.StdEncoding.EncodeToString(payload))
}

func (l *ledgerStore) load(ctx context.Context) ([]Record, error) {
	entries, err := l.store.List(ctx, recordKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		payload, err := base64.StdEncoding.DecodeString(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("corrupt audit record %s: %w", entry.Key, err)
		}
		var record Record
		if err := msgpack.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("corrupt audit record %s: %w", entry.Key, err)
		}
		out = append(out, record)
	}
	return out, nil
}
