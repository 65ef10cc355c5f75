package tkv

import (
	"context"
	"log/slog"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string

	// InMemory keeps everything in RAM; Directory is ignored.
	InMemory bool
}

type TKVBatchEntry struct {
	Key   string
	Value string
}

type TKVBatchHandler interface {
	BatchSet(entries []TKVBatchEntry) error
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Iterate(prefix string, offset int, limit int) ([]string, error)
	Set(key string, value string) error
	Delete(key string) error
}

// TKVWatchHandler reports writes made to a key by anyone sharing the store.
type TKVWatchHandler interface {
	// Watch calls fn with the new value each time key is written, in write
	// order, on a single goroutine. It returns once the watch is live and
	// stops delivering when ctx is done. Deletions are not reported.
	Watch(ctx context.Context, key string, fn func(value []byte)) error
}

type TKV interface {
	TKVDataHandler
	TKVBatchHandler
	TKVWatchHandler

	Close() error
}
