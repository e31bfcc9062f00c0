package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/storedesk/internal/connectivity"
	"github.com/clawinfra/storedesk/internal/gateway"
	"github.com/clawinfra/storedesk/internal/queue"
	"github.com/clawinfra/storedesk/internal/record"
)

// ErrOffline is returned for operations that need the remote store while the
// monitor reads Offline.
var ErrOffline = errors.New("remote store offline")

// Event types delivered to status subscribers.
const (
	EventConnectivity = "connectivity"
	EventSubmitted    = "submitted"
	EventSync         = "sync"
	EventRecords      = "records"
	EventDeleted      = "deleted"
)

// Status is the state shown to the clerk.
type Status struct {
	Online        bool      `json:"online"`
	Pending       int       `json:"pending"`
	Records       int       `json:"records"`
	Policy        Policy    `json:"policy"`
	LastSync      *Result   `json:"lastSync,omitempty"`
	LastSyncError string    `json:"lastSyncError,omitempty"`
	Since         time.Time `json:"since"`
}

// Event is a status change pushed to subscribers.
type Event struct {
	Type       string                   `json:"type"`
	Status     Status                   `json:"status"`
	Transition *connectivity.Transition `json:"transition,omitempty"`
	Result     *Result                  `json:"result,omitempty"`
	Receipt    *Receipt                 `json:"receipt,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Policy        Policy
	RecordTimeout time.Duration
	// RatePerSecond paces replayed creates; zero disables pacing.
	RatePerSecond float64
	Burst         int
	// RetrySchedule is a cron expression (standard five fields or
	// descriptors such as "@every 5m"). Empty disables scheduled retries.
	RetrySchedule string
	Logger        *slog.Logger
}

// Manager owns the offline sync state of the application: the queue, the
// gateway, the connectivity monitor, the cached remote snapshot and the last
// sync result.
type Manager struct {
	queue       queue.Queue
	gateway     gateway.Gateway
	monitor     *connectivity.Monitor
	coordinator *Coordinator
	router      *Router
	retry       cron.Schedule
	logger      *slog.Logger

	mu          sync.RWMutex
	records     []record.Record
	loaded      bool
	lastSync    *Result
	lastSyncErr string
	subSeq      int
	subs        map[int]func(Event)

	runMu     sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	stopWatch func()
	stopConn  func()
}

// NewManager wires a coordinator and a router over the given components.
func NewManager(q queue.Queue, gw gateway.Gateway, monitor *connectivity.Monitor, opts Options) (*Manager, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var retry cron.Schedule
	if opts.RetrySchedule != "" {
		s, err := cron.ParseStandard(opts.RetrySchedule)
		if err != nil {
			return nil, fmt.Errorf("invalid retry schedule: %w", err)
		}
		retry = s
	}

	return &Manager{
		queue:   q,
		gateway: gw,
		monitor: monitor,
		coordinator: NewCoordinator(q, gw, CoordinatorOptions{
			Policy:        opts.Policy,
			RecordTimeout: opts.RecordTimeout,
			Limiter:       NewLimiter(opts.RatePerSecond, opts.Burst),
			Logger:        logger,
		}),
		router: NewRouter(q, gw, monitor, opts.RecordTimeout, logger),
		retry:  retry,
		logger: logger.With("component", "manager"),
		subs:   make(map[int]func(Event)),
	}, nil
}

// Coordinator returns the sync coordinator.
func (m *Manager) Coordinator() *Coordinator { return m.coordinator }

// Monitor returns the connectivity monitor.
func (m *Manager) Monitor() *connectivity.Monitor { return m.monitor }

// Start subscribes to connectivity transitions, starts the remote watch and
// the retry schedule, and drains the queue if it starts online.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	if m.running {
		return fmt.Errorf("manager already running")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.stopConn = m.monitor.Subscribe(m.onTransition)
	m.setOnlineGauge(m.monitor.Online())

	stop, err := m.gateway.Watch(m.ctx, m.onSnapshot)
	if err != nil {
		m.logger.Warn("remote watch unavailable", "error", err)
		stop = func() {}
	}
	m.stopWatch = stop

	if m.retry != nil {
		m.wg.Add(1)
		go m.retryLoop(m.ctx)
	}

	m.refreshPending(m.ctx)
	m.triggerLocked("startup")

	m.logger.Info("sync manager started",
		"online", m.monitor.Online(),
		"policy", m.coordinator.Policy(),
		"retry_schedule", m.retry != nil)
	return nil
}

// Stop cancels background work and waits for in-flight sync passes.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	m.runMu.Unlock()

	m.logger.Info("stopping sync manager")
	m.stopConn()
	m.stopWatch()
	m.cancel()
	m.coordinator.Close()
	m.wg.Wait()
	return nil
}

func (m *Manager) onTransition(tr connectivity.Transition) {
	m.setOnlineGauge(tr.To == connectivity.Online)
	m.broadcast(context.Background(), Event{Type: EventConnectivity, Transition: &tr})
	if tr.To == connectivity.Online {
		m.trigger("reconnect")
	}
}

func (m *Manager) onSnapshot(records []record.Record) {
	m.mu.Lock()
	m.records = records
	m.loaded = true
	m.mu.Unlock()
	m.broadcast(context.Background(), Event{Type: EventRecords})
}

// trigger starts a background pass if the queue is not empty.
func (m *Manager) trigger(reason string) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.triggerLocked(reason)
}

func (m *Manager) triggerLocked(reason string) {
	if !m.running || !m.monitor.Online() {
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		n, err := m.queue.Count(ctx)
		if err != nil {
			m.logger.Error("cannot read offline queue", "error", err)
			return
		}
		if n == 0 {
			return
		}
		m.logger.Info("syncing offline queue", "reason", reason, "pending", n)
		if _, err := m.SyncNow(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("sync pass failed", "reason", reason, "error", err)
		}
	}()
}

// retryLoop runs passes on the retry schedule while online. Each tick is a
// no-op when offline or when nothing is queued.
func (m *Manager) retryLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		next := m.retry.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.trigger("schedule")
		}
	}
}

// SyncNow runs a pass (or joins the running one) and records its result.
func (m *Manager) SyncNow(ctx context.Context) (Result, error) {
	res, err := m.coordinator.Synchronize(ctx)

	m.mu.Lock()
	if err != nil {
		m.lastSyncErr = err.Error()
	} else {
		m.lastSyncErr = ""
	}
	if err == nil || res.Attempted > 0 {
		r := res
		m.lastSync = &r
	}
	m.mu.Unlock()

	m.refreshPending(ctx)
	if err == nil {
		m.broadcast(ctx, Event{Type: EventSync, Result: &res})
	}
	return res, err
}

// Submit routes a new record.
func (m *Manager) Submit(ctx context.Context, r record.Record) (Receipt, error) {
	rcpt, err := m.router.Submit(ctx, r)
	if err != nil {
		return rcpt, err
	}
	m.refreshPending(ctx)
	m.broadcast(ctx, Event{Type: EventSubmitted, Receipt: &rcpt})
	return rcpt, nil
}

// PendingCount returns the number of queued records.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	return m.queue.Count(ctx)
}

// Pending returns the queued records in order.
func (m *Manager) Pending(ctx context.Context) ([]record.Record, error) {
	return m.queue.PeekAll(ctx)
}

// Records returns the remote records, newest first. The watched snapshot is
// used when available.
func (m *Manager) Records(ctx context.Context) ([]record.Record, error) {
	m.mu.RLock()
	if m.loaded {
		out := append([]record.Record(nil), m.records...)
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	if !m.monitor.Online() {
		return nil, ErrOffline
	}
	return m.gateway.ListAll(ctx)
}

// QueryRange filters remote records by arrival date and area. While offline
// the watched snapshot is filtered instead.
func (m *Manager) QueryRange(ctx context.Context, q gateway.RangeQuery) ([]record.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if m.monitor.Online() {
		return m.gateway.QueryRange(ctx, q)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return nil, ErrOffline
	}
	return gateway.FilterRange(m.records, q), nil
}

// Stats summarizes the remote records for today's date.
func (m *Manager) Stats(ctx context.Context, now time.Time) (record.Stats, error) {
	records, err := m.Records(ctx)
	if err != nil {
		return record.Stats{}, err
	}
	return record.Summarize(records, now.Format(record.DateLayout)), nil
}

// Delete removes a persisted record. It requires connectivity.
func (m *Manager) Delete(ctx context.Context, serverID string) error {
	if !m.monitor.Online() {
		return ErrOffline
	}
	if err := m.gateway.DeleteRecord(ctx, serverID); err != nil {
		return err
	}
	m.logger.Info("record deleted", "server_id", serverID)
	m.broadcast(ctx, Event{Type: EventDeleted})
	return nil
}

// Status returns the current status.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	pending, err := m.queue.Count(ctx)

	m.mu.RLock()
	st := Status{
		Online:        m.monitor.Online(),
		Pending:       pending,
		Records:       len(m.records),
		Policy:        m.coordinator.Policy(),
		LastSync:      m.lastSync,
		LastSyncError: m.lastSyncErr,
		Since:         m.monitor.Since(),
	}
	m.mu.RUnlock()

	if err != nil {
		return st, fmt.Errorf("count pending: %w", err)
	}
	return st, nil
}

// SubscribeStatus registers fn for status events. fn runs on the goroutine
// that caused the event and must not block.
func (m *Manager) SubscribeStatus(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	m.subSeq++
	id := m.subSeq
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) broadcast(ctx context.Context, ev Event) {
	m.mu.RLock()
	n := len(m.subs)
	m.mu.RUnlock()
	if n == 0 {
		return
	}

	st, err := m.Status(ctx)
	if err != nil {
		m.logger.Warn("status unavailable", "error", err)
	}
	ev.Status = st

	m.mu.RLock()
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

func (m *Manager) refreshPending(ctx context.Context) {
	n, err := m.queue.Count(ctx)
	if err != nil {
		return
	}
	pendingRecords.Set(float64(n))
}

func (m *Manager) setOnlineGauge(online bool) {
	if online {
		onlineGauge.Set(1)
	} else {
		onlineGauge.Set(0)
	}
}
