package state

import "context"

// Entry is one key/value row, returned by prefix scans.
type Entry struct {
	Key   string
	Value string
}

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// List returns entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	Close() error
}
