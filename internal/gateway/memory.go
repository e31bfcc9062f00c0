package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clawinfra/storedesk/internal/record"
)

// Memory is an in-process Gateway. It pushes snapshots to watchers on every
// change and supports fault injection so callers can rehearse outages.
type Memory struct {
	mu        sync.Mutex
	records   []record.Record // creation order
	byKey     map[string]string
	seq       int
	createdBy string
	now       func() time.Time

	offline  bool
	failNext []error
	failWhen func(record.Record) error
	onCreate func(ctx context.Context, r record.Record)
	attempts []string

	watchSeq int
	watchers map[int]func([]record.Record)
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byKey:     make(map[string]string),
		createdBy: "anonymous",
		now:       time.Now,
		watchers:  make(map[int]func([]record.Record)),
	}
}

// SetOffline makes every call fail with ErrNetwork while offline is true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext queues errors returned by the next CreateRecord calls, one per call.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// FailWhen installs a predicate consulted on every CreateRecord. A non-nil
// result fails the call.
func (m *Memory) FailWhen(fn func(record.Record) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWhen = fn
}

// OnCreate installs a hook that runs at the start of every CreateRecord,
// outside the store lock.
func (m *Memory) OnCreate(fn func(ctx context.Context, r record.Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = fn
}

// Attempts returns the idempotency keys of every CreateRecord call in order,
// including failed ones.
func (m *Memory) Attempts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.attempts...)
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *Memory) CreateRecord(ctx context.Context, r record.Record) (string, error) {
	m.mu.Lock()
	hook := m.onCreate
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, r)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	m.mu.Lock()
	m.attempts = append(m.attempts, r.IdempotencyKey)
	if m.offline {
		m.mu.Unlock()
		return "", ErrNetwork
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		if err != nil {
			m.mu.Unlock()
			return "", err
		}
	}
	if m.failWhen != nil {
		if err := m.failWhen(r); err != nil {
			m.mu.Unlock()
			return "", err
		}
	}
	if id, ok := m.byKey[r.IdempotencyKey]; ok && r.IdempotencyKey != "" {
		m.mu.Unlock()
		return id, nil
	}

	m.seq++
	r.ServerID = fmt.Sprintf("mem-%06d", m.seq)
	r.CreatedBy = m.createdBy
	r.CreatedAt = m.now().UTC()
	m.records = append(m.records, r)
	if r.IdempotencyKey != "" {
		m.byKey[r.IdempotencyKey] = r.ServerID
	}
	snapshot, watchers := m.snapshotLocked()
	m.mu.Unlock()

	notify(watchers, snapshot)
	return r.ServerID, nil
}

func (m *Memory) DeleteRecord(_ context.Context, serverID string) error {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return ErrNetwork
	}
	idx := -1
	for i := range m.records {
		if m.records[i].ServerID == serverID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", serverID, ErrNotFound)
	}
	delete(m.byKey, m.records[idx].IdempotencyKey)
	m.records = append(m.records[:idx], m.records[idx+1:]...)
	snapshot, watchers := m.snapshotLocked()
	m.mu.Unlock()

	notify(watchers, snapshot)
	return nil
}

func (m *Memory) ListAll(_ context.Context) ([]record.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrNetwork
	}
	return m.newestFirstLocked(), nil
}

func (m *Memory) QueryRange(ctx context.Context, q RangeQuery) ([]record.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	all, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return FilterRange(all, q), nil
}

// Watch delivers the current snapshot immediately and again after every
// change, on the goroutine that made the change.
func (m *Memory) Watch(ctx context.Context, fn func([]record.Record)) (func(), error) {
	m.mu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = fn
	snapshot := m.newestFirstLocked()
	m.mu.Unlock()

	fn(snapshot)

	var once sync.Once
	remove := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrNetwork
	}
	return nil
}

func (m *Memory) newestFirstLocked() []record.Record {
	out := make([]record.Record, len(m.records))
	for i := range m.records {
		out[len(m.records)-1-i] = m.records[i]
	}
	return out
}

func (m *Memory) snapshotLocked() ([]record.Record, []func([]record.Record)) {
	watchers := make([]func([]record.Record), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	return m.newestFirstLocked(), watchers
}

func notify(watchers []func([]record.Record), snapshot []record.Record) {
	for _, fn := range watchers {
		fn(snapshot)
	}
}
