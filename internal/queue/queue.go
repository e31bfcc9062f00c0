// Package queue implements the durable local queue that holds receipts not yet
// confirmed by the remote store.
//
// The queue is a single ordered snapshot persisted under one well-known key.
// Every mutation is a read-modify-write of that snapshot performed under the
// queue mutex, so the snapshot is never written by two callers at once.
// Backends only need to load, save and delete one value by key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clawinfra/storedesk/internal/record"
)

// DefaultKey is the storage key the snapshot lives under.
const DefaultKey = "storedesk_offline_queue"

var (
	// ErrStorageUnavailable wraps every failure of the underlying medium.
	// There is no fallback below local storage; callers must surface it.
	ErrStorageUnavailable = errors.New("local storage unavailable")

	// ErrQueueFull is returned by Enqueue when maxSize is reached.
	ErrQueueFull = errors.New("offline queue full")
)

// Queue is the durable local queue contract.
type Queue interface {
	// Enqueue appends r and persists the updated snapshot.
	Enqueue(ctx context.Context, r record.Record) error
	// PeekAll returns the queued records in insertion order without mutating.
	PeekAll(ctx context.Context) ([]record.Record, error)
	// Clear empties the stored snapshot.
	Clear(ctx context.Context) error
	// Remove drops the records with the given idempotency keys and keeps the
	// order of the rest. It returns how many records were removed.
	Remove(ctx context.Context, keys ...string) (int, error)
	// Count returns the queue length.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Store is the key/value medium a snapshot is persisted through.
type Store interface {
	// Load returns nil data and no error when key has never been written.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Options configures a SnapshotQueue.
type Options struct {
	Key     string
	MaxSize int // 0 means unbounded
	Logger  *slog.Logger
}

// SnapshotQueue implements Queue on top of any Store.
type SnapshotQueue struct {
	mu      sync.Mutex
	store   Store
	key     string
	maxSize int
	logger  *slog.Logger
}

// New creates a queue persisting through store.
func New(store Store, opts Options) *SnapshotQueue {
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SnapshotQueue{
		store:   store,
		key:     opts.Key,
		maxSize: opts.MaxSize,
		logger:  opts.Logger.With("component", "queue"),
	}
}

// Enqueue appends r to the end of the snapshot.
func (q *SnapshotQueue) Enqueue(ctx context.Context, r record.Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return err
	}
	if q.maxSize > 0 && len(records) >= q.maxSize {
		return fmt.Errorf("%w: %d records", ErrQueueFull, len(records))
	}

	records = append(records, r)
	if err := q.save(ctx, records); err != nil {
		return err
	}

	q.logger.Debug("record queued", "key", r.IdempotencyKey, "pending", len(records))
	return nil
}

// PeekAll returns a copy of the snapshot.
func (q *SnapshotQueue) PeekAll(ctx context.Context) ([]record.Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Clear deletes the snapshot.
func (q *SnapshotQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, q.key); err != nil {
		return fmt.Errorf("clear queue: %w: %w", ErrStorageUnavailable, err)
	}
	return nil
}

// Remove drops the records whose idempotency key is in keys.
func (q *SnapshotQueue) Remove(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	records, err := q.load(ctx)
	if err != nil {
		return 0, err
	}

	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	kept := records[:0]
	for _, r := range records {
		if _, ok := drop[r.IdempotencyKey]; ok {
			continue
		}
		kept = append(kept, r)
	}
	removed := len(records) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	if len(kept) == 0 {
		if err := q.store.Delete(ctx, q.key); err != nil {
			return 0, fmt.Errorf("clear queue: %w: %w", ErrStorageUnavailable, err)
		}
		return removed, nil
	}
	if err := q.save(ctx, kept); err != nil {
		return 0, err
	}
	return removed, nil
}

// Count returns the number of queued records.
func (q *SnapshotQueue) Count(ctx context.Context) (int, error) {
	records, err := q.PeekAll(ctx)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Close releases the underlying store.
func (q *SnapshotQueue) Close() error {
	return q.store.Close()
}

// load must be called with q.mu held.
func (q *SnapshotQueue) load(ctx context.Context) ([]record.Record, error) {
	data, err := q.store.Load(ctx, q.key)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w: %w", ErrStorageUnavailable, err)
	}
	records, err := decodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("decode queue: %w: %w", ErrStorageUnavailable, err)
	}
	return records, nil
}

// save must be called with q.mu held.
func (q *SnapshotQueue) save(ctx context.Context, records []record.Record) error {
	data, err := encodeSnapshot(records)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Save(ctx, q.key, data); err != nil {
		return fmt.Errorf("save queue: %w: %w", ErrStorageUnavailable, err)
	}
	return nil
}
