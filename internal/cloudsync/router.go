package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clawinfra/storedesk/internal/connectivity"
	"github.com/clawinfra/storedesk/internal/gateway"
	"github.com/clawinfra/storedesk/internal/queue"
	"github.com/clawinfra/storedesk/internal/record"
)

// Outcome says where a submitted record ended up.
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	OutcomeQueued    Outcome = "queued"
)

// Receipt is the result of a submission.
type Receipt struct {
	Outcome  Outcome       `json:"outcome"`
	ServerID string        `json:"serverId,omitempty"`
	Record   record.Record `json:"record"`
	// Cause is the remote error that sent an online submission to the queue.
	Cause string `json:"cause,omitempty"`
}

// Router sends new records to the remote store while online and to the
// offline queue otherwise.
type Router struct {
	queue   queue.Queue
	gateway gateway.Gateway
	monitor *connectivity.Monitor
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRouter creates a router. timeout bounds the remote create of an online
// submission; zero uses DefaultRecordTimeout.
func NewRouter(q queue.Queue, gw gateway.Gateway, monitor *connectivity.Monitor, timeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRecordTimeout
	}
	return &Router{
		queue:   q,
		gateway: gw,
		monitor: monitor,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With("component", "router"),
	}
}

// Submit validates r and routes it. Invalid records return an error wrapping
// record.ErrValidation and are stored nowhere. A record that could not be
// persisted online is queued with its idempotency key, so the later replay
// cannot create a second copy.
func (rt *Router) Submit(ctx context.Context, r record.Record) (Receipt, error) {
	record.Prepare(&r, rt.now())
	r.ServerID, r.CreatedBy, r.CreatedAt = "", "", time.Time{}
	if err := record.Validate(&r); err != nil {
		submissionsTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}

	if !rt.monitor.Online() {
		return rt.enqueue(ctx, r, nil)
	}

	createCtx, cancel := context.WithTimeout(ctx, rt.timeout)
	id, err := rt.gateway.CreateRecord(createCtx, r)
	cancel()
	if err != nil {
		if errors.Is(err, record.ErrValidation) {
			submissionsTotal.WithLabelValues("rejected").Inc()
			return Receipt{}, err
		}
		rt.logger.Warn("remote create failed, saving locally",
			"idempotency_key", r.IdempotencyKey,
			"error", err)
		return rt.enqueue(ctx, r, err)
	}

	submissionsTotal.WithLabelValues("persisted").Inc()
	r.ServerID = id
	rt.logger.Info("record persisted", "server_id", id, "order_number", r.OrderNumber)
	return Receipt{Outcome: OutcomePersisted, ServerID: id, Record: r}, nil
}

func (rt *Router) enqueue(ctx context.Context, r record.Record, cause error) (Receipt, error) {
	if err := rt.queue.Enqueue(context.WithoutCancel(ctx), r); err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		return Receipt{}, fmt.Errorf("save record locally: %w", err)
	}
	submissionsTotal.WithLabelValues("queued").Inc()
	rt.logger.Info("record queued", "idempotency_key", r.IdempotencyKey, "order_number", r.OrderNumber)

	rcpt := Receipt{Outcome: OutcomeQueued, Record: r}
	if cause != nil {
		rcpt.Cause = cause.Error()
	}
	return rcpt, nil
}
