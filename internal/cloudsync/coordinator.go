// Package cloudsync replays the offline queue against the remote store and
// routes new submissions to whichever of the two is currently usable.
package cloudsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/clawinfra/storedesk/internal/gateway"
	"github.com/clawinfra/storedesk/internal/queue"
	"github.com/clawinfra/storedesk/internal/record"
)

// Policy decides what happens to records that failed during a pass.
type Policy string

const (
	// PolicyRetainFailed keeps failed records queued for the next pass.
	PolicyRetainFailed Policy = "retain-failed"
	// PolicyDropFailed removes every record of the pass snapshot, failed or
	// not. Failed records are logged and lost.
	PolicyDropFailed Policy = "drop-failed"
)

// ParsePolicy parses a policy name. Empty means PolicyRetainFailed.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(s)); p {
	case "", PolicyRetainFailed:
		return PolicyRetainFailed, nil
	case PolicyDropFailed:
		return p, nil
	default:
		return "", fmt.Errorf("unknown sync policy %q", s)
	}
}

// DefaultRecordTimeout bounds each remote create during a pass.
const DefaultRecordTimeout = 15 * time.Second

// Result summarizes one sync pass.
type Result struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	// Dropped counts failed records removed under PolicyDropFailed.
	Dropped int `json:"dropped"`
	// Retained counts snapshot records still queued after the pass.
	Retained    int           `json:"retained"`
	Interrupted bool          `json:"interrupted,omitempty"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"duration"`
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Policy        Policy
	RecordTimeout time.Duration
	// Limiter paces remote creates. Nil means unpaced.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// NewLimiter builds the pacing limiter for remote creates. A non-positive
// rate means unpaced and returns nil; burst defaults to 1.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Coordinator drains the offline queue into the gateway.
//
// Only one pass runs at a time. A pass removes exactly the records of its
// own snapshot, by idempotency key, so records enqueued while it runs stay
// queued for the next one. Passes run on a context owned by the coordinator
// and are interrupted only by Close.
type Coordinator struct {
	queue         queue.Queue
	gateway       gateway.Gateway
	policy        Policy
	recordTimeout time.Duration
	limiter       *rate.Limiter
	group         singleflight.Group
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	passes sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(q queue.Queue, gw gateway.Gateway, opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRetainFailed
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = DefaultRecordTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:           ctx,
		cancel:        cancel,
		queue:         q,
		gateway:       gw,
		policy:        opts.Policy,
		recordTimeout: opts.RecordTimeout,
		limiter:       opts.Limiter,
		logger:        opts.Logger.With("component", "sync"),
	}
}

// Policy returns the configured clear policy.
func (c *Coordinator) Policy() Policy {
	return c.policy
}

// Synchronize runs a sync pass, or joins the pass already running and
// returns its result. ctx only bounds how long this caller waits: a caller
// that gives up leaves the pass running for everyone else.
func (c *Coordinator) Synchronize(ctx context.Context) (Result, error) {
	ch := c.group.DoChan("sync", func() (any, error) {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return Result{Interrupted: true, StartedAt: time.Now()}, nil
		}
		c.passes.Add(1)
		c.mu.Unlock()
		defer c.passes.Done()
		return c.run(c.ctx)
	})
	select {
	case res := <-ch:
		return res.Val.(Result), res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close interrupts the running pass, waits for it to finish and makes later
// passes no-ops. Records not yet sent stay queued.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.passes.Wait()
}

func (c *Coordinator) run(ctx context.Context) (res Result, err error) {
	res.StartedAt = time.Now()
	defer func() {
		res.Duration = time.Since(res.StartedAt)
	}()

	snapshot, err := c.queue.PeekAll(ctx)
	if err != nil {
		syncPassesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("snapshot queue: %w", err)
	}
	if len(snapshot) == 0 {
		return res, nil
	}

	c.logger.Info("sync pass started", "queued", len(snapshot), "policy", c.policy)

	synced := make([]string, 0, len(snapshot))
	var failed []string
	for i := range snapshot {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				res.Interrupted = true
				break
			}
		}

		r := snapshot[i]
		id, err := c.replay(ctx, r)
		if err != nil && ctx.Err() != nil {
			// Interrupted, not refused: the record stays queued under every policy.
			res.Interrupted = true
			break
		}
		res.Attempted++
		if err != nil {
			res.Failed++
			failed = append(failed, r.IdempotencyKey)
			c.logger.Warn("record sync failed",
				"idempotency_key", r.IdempotencyKey,
				"order_number", r.OrderNumber,
				"error", err)
			continue
		}
		res.Synced++
		synced = append(synced, r.IdempotencyKey)
		c.logger.Debug("record synced", "idempotency_key", r.IdempotencyKey, "server_id", id)
	}

	remove := synced
	if c.policy == PolicyDropFailed && len(failed) > 0 {
		remove = append(remove, failed...)
		res.Dropped = len(failed)
		c.logger.Warn("dropping failed records", "count", len(failed), "keys", failed)
	}
	res.Retained = len(snapshot) - len(remove)

	syncRecordsTotal.WithLabelValues("synced").Add(float64(res.Synced))
	syncRecordsTotal.WithLabelValues("failed").Add(float64(res.Failed))
	syncRecordsTotal.WithLabelValues("dropped").Add(float64(res.Dropped))

	if len(remove) > 0 {
		// Persisted records must leave the queue even if the pass was interrupted.
		if _, err := c.queue.Remove(context.WithoutCancel(ctx), remove...); err != nil {
			syncPassesTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("remove synced records: %w", err)
		}
	}

	outcome := "ok"
	if res.Interrupted {
		outcome = "interrupted"
	}
	syncPassesTotal.WithLabelValues(outcome).Inc()
	syncPassDuration.Observe(time.Since(res.StartedAt).Seconds())

	c.logger.Info("sync pass finished",
		"attempted", res.Attempted,
		"synced", res.Synced,
		"failed", res.Failed,
		"dropped", res.Dropped,
		"retained", res.Retained,
		"interrupted", res.Interrupted)
	return res, nil
}

func (c *Coordinator) replay(ctx context.Context, r record.Record) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.recordTimeout)
	defer cancel()
	return c.gateway.CreateRecord(ctx, r)
}
