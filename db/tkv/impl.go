package tkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/pb"
	"github.com/google/uuid"
)

// Keys written to prove a watch is live before Watch returns.
const watchReadyMarker = "\x00watch-ready:"

var watchReadyPoll = 10 * time.Millisecond

type tkv struct {
	logger *slog.Logger
	store  *badger.DB

	watchers sync.WaitGroup
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	badgerLogLevel := badger.INFO
	if config.BadgerLogLevel == slog.LevelDebug {
		badgerLogLevel = badger.DEBUG
	} else if config.BadgerLogLevel == slog.LevelInfo {
		badgerLogLevel = badger.INFO
	} else if config.BadgerLogLevel == slog.LevelWarn {
		badgerLogLevel = badger.WARNING
	} else if config.BadgerLogLevel == slog.LevelError {
		badgerLogLevel = badger.ERROR
	} else {
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, "values")
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20) // 16MB MemTableSize

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		store:  db,
	}, nil
}

func (t *tkv) Close() error {
	var firstErr error
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		firstErr = &ErrInternal{Err: err}
	}
	t.watchers.Wait()
	return firstErr
}

func (t *tkv) Get(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	err := t.store.Update(func(txn *badger.Txn) error {
		err := txn.Set([]byte(key), []byte(value))
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	return err
}

func (t *tkv) Delete(key string) error {
	err := t.store.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	return err
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var keys []string
	err := t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			keys = append(keys, string(it.Item().KeyCopy(nil)))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tkv) BatchSet(entries []TKVBatchEntry) error {
	if len(entries) == 0 {
		return nil
	}

	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, entry := range entries {
		if entry.Key == "" {
			t.logger.Warn("BatchSet encountered an entry with an empty key, skipping.")
			continue
		}
		if err := wb.Set([]byte(entry.Key), []byte(entry.Value)); err != nil {
			return &ErrInternal{Err: fmt.Errorf("failed to add set operation for key '%s' to batch: %w", entry.Key, err)}
		}
	}

	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: fmt.Errorf("failed to flush batch set: %w", err)}
	}
	return nil
}

func (t *tkv) Watch(ctx context.Context, key string, fn func(value []byte)) error {
	if key == "" {
		return ErrEmptyKey
	}

	readyKey := key + watchReadyMarker + uuid.NewString()
	ready := make(chan struct{})
	var readyOnce sync.Once

	t.watchers.Add(1)
	go func() {
		defer t.watchers.Done()
		err := t.store.Subscribe(ctx, func(kvs *badger.KVList) error {
			for _, kv := range kvs.Kv {
				switch string(kv.Key) {
				case readyKey:
					readyOnce.Do(func() { close(ready) })
				case key:
					if len(kv.Value) == 0 {
						continue
					}
					fn(kv.Value)
				}
			}
			return nil
		}, []pb.Match{{Prefix: []byte(key)}})
		if err != nil && !errors.Is(err, context.Canceled) {
			t.logger.Error("Watch ended with error", "key", key, "error", err)
		}
	}()

	// Subscribe registers asynchronously, so keep poking the ready key until
	// the watcher has seen it.
	ticker := time.NewTicker(watchReadyPoll)
	defer ticker.Stop()
	for {
		if err := t.Set(readyKey, "1"); err != nil {
			return err
		}
		select {
		case <-ready:
			if err := t.Delete(readyKey); err != nil {
				t.logger.Warn("Could not remove watch ready marker", "key", readyKey, "error", err)
			}
			t.logger.Debug("Watch is live", "key", key)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
