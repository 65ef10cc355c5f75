package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/taskboard/internal/events"
	"github.com/jellydator/ttlcache/v3"
)

// StorageKey is the single slot every send overwrites.
const StorageKey = "taskboard:realtime:update"

// How long a write of ours is remembered while waiting for its own change
// notification to come back.
var pendingWriteTTL = 30 * time.Second

// Storage propagates through shared persistent storage. Only the latest
// envelope is ever stored, so readers that fall behind a burst of writes
// may only see the newest values.
type Storage struct {
	logger   *slog.Logger
	store    SharedStorage
	notifier events.Notifier
	cancel   context.CancelFunc

	// Writes made by this context, keyed by content hash, so their change
	// notifications are not mistaken for another context's update.
	pendingMu sync.Mutex
	pending   *ttlcache.Cache[string, int]

	closeOnce sync.Once
}

var _ Transport = &Storage{}

func NewStorage(ctx context.Context, store SharedStorage, notifier events.Notifier, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pending := ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](pendingWriteTTL),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go pending.Start()

	watchCtx, cancel := context.WithCancel(ctx)
	s := &Storage{
		logger:   logger.WithGroup("storage"),
		store:    store,
		notifier: notifier,
		cancel:   cancel,
		pending:  pending,
	}

	if err := store.Watch(watchCtx, StorageKey, func(value []byte) {
		s.onStored(watchCtx, value)
	}); err != nil {
		cancel()
		pending.Stop()
		return nil, fmt.Errorf("failed to watch storage slot: %w", err)
	}
	return s, nil
}

func (s *Storage) Kind() Kind { return KindStorage }

func (s *Storage) Send(ctx context.Context, env events.Envelope) error {
	s.notifier.Notify(ctx, env)

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode update for storage: %w", err)
	}
	sum := contentHash(raw)

	s.pendingMu.Lock()
	count := 0
	if item := s.pending.Get(sum); item != nil {
		count = item.Value()
	}
	s.pending.Set(sum, count+1, ttlcache.DefaultTTL)
	s.pendingMu.Unlock()

	if err := s.store.Set(StorageKey, string(raw)); err != nil {
		s.forgetPending(sum)
		return fmt.Errorf("failed to write storage slot: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.pending.Stop()
	})
	return nil
}

func (s *Storage) onStored(ctx context.Context, value []byte) {
	if s.forgetPending(contentHash(value)) {
		return
	}

	env, err := events.DecodeEnvelope(value)
	if err != nil {
		s.logger.Warn("Dropping malformed update from storage", "error", err)
		return
	}
	s.notifier.Notify(ctx, env)
}

// forgetPending consumes one pending write with the given hash and reports
// whether there was one.
func (s *Storage) forgetPending(sum string) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	item := s.pending.Get(sum)
	if item == nil {
		return false
	}
	if item.Value() <= 1 {
		s.pending.Delete(sum)
	} else {
		s.pending.Set(sum, item.Value()-1, ttlcache.DefaultTTL)
	}
	return true
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
