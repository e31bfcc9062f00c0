package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawinfra/storedesk/internal/record"
)

// serverNowMillis stamps rows with the database clock.
const serverNowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

const selectReceipts = `SELECT id, document, created_by, created_at FROM receipts`

// TursoOptions configures a Turso gateway.
type TursoOptions struct {
	// CreatedBy is stamped on every created record.
	CreatedBy     string
	WatchInterval time.Duration
	Logger        *slog.Logger
}

// Turso is the Gateway backed by a Turso database.
type Turso struct {
	client    *Client
	createdBy string
	poller    *Poller
	logger    *slog.Logger
}

// NewTurso creates a gateway over client.
func NewTurso(client *Client, opts TursoOptions) *Turso {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = "anonymous"
	}
	g := &Turso{
		client:    client,
		createdBy: opts.CreatedBy,
		logger:    logger.With("component", "gateway", "backend", "turso"),
	}
	g.poller = NewPoller(g.ListAll, opts.WatchInterval, logger)
	g.checkToken()
	return g
}

func (g *Turso) checkToken() {
	if g.client.authToken == "" {
		g.logger.Warn("no turso auth token configured")
		return
	}
	exp, ok, err := TokenExpiry(g.client.authToken)
	switch {
	case err != nil:
		g.logger.Debug("auth token is not a readable JWT", "error", err)
	case !ok:
		g.logger.Debug("auth token has no expiry")
	case time.Until(exp) <= 0:
		g.logger.Error("auth token has expired", "expired_at", exp)
	case time.Until(exp) < 7*24*time.Hour:
		g.logger.Warn("auth token expires soon", "expires_at", exp)
	}
}

// InitSchema creates the receipts table.
func (g *Turso) InitSchema(ctx context.Context) error {
	return g.client.InitSchema(ctx)
}

func (g *Turso) CreateRecord(ctx context.Context, r record.Record) (string, error) {
	if r.IdempotencyKey == "" {
		return "", errors.New("create record: missing idempotency key")
	}
	r.ServerID, r.CreatedBy, r.CreatedAt = "", "", time.Time{}
	doc, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	res, err := g.client.Batch(ctx, []Statement{
		Stmt(`INSERT INTO receipts
			(id, idempotency_key, order_number, area, status, arrival_date, document, created_by, created_at)
			VALUES (lower(hex(randomblob(16))), ?, ?, ?, ?, ?, ?, ?, `+serverNowMillis+`)
			ON CONFLICT(idempotency_key) DO NOTHING`,
			r.IdempotencyKey, r.OrderNumber, r.Area, string(r.Status), r.ArrivalDate, string(doc), g.createdBy),
		Stmt(`SELECT id FROM receipts WHERE idempotency_key = ?`, r.IdempotencyKey),
	})
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}

	if res[0].AffectedRowCount == 0 {
		g.logger.Debug("record already stored", "idempotency_key", r.IdempotencyKey)
	}
	sel := res[1]
	if len(sel.Rows) == 0 || len(sel.Rows[0]) == 0 {
		return "", fmt.Errorf("create record: no id returned for %s", r.IdempotencyKey)
	}
	return sel.Rows[0][0].Text(), nil
}

func (g *Turso) DeleteRecord(ctx context.Context, serverID string) error {
	n, err := g.client.Execute(ctx, `DELETE FROM receipts WHERE id = ?`, serverID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", serverID, ErrNotFound)
	}
	return nil
}

func (g *Turso) ListAll(ctx context.Context) ([]record.Record, error) {
	res, err := g.client.Query(ctx, selectReceipts+` ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return decodeRows(res)
}

func (g *Turso) QueryRange(ctx context.Context, q RangeQuery) ([]record.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if q.From != "" {
		where = append(where, "arrival_date >= ?")
		args = append(args, q.From)
	}
	if q.To != "" {
		where = append(where, "arrival_date <= ?")
		args = append(args, q.To)
	}
	if q.Area != "" {
		where = append(where, "area = ?")
		args = append(args, q.Area)
	}

	sql := selectReceipts
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY arrival_date DESC, created_at DESC"

	res, err := g.client.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return decodeRows(res)
}

func (g *Turso) Watch(ctx context.Context, fn func([]record.Record)) (func(), error) {
	return g.poller.Watch(ctx, fn)
}

func (g *Turso) Ping(ctx context.Context) error {
	if _, err := g.client.Query(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// decodeRows maps (id, document, created_by, created_at) rows to records.
func decodeRows(res *QueryResponse) ([]record.Record, error) {
	out := make([]record.Record, 0, len(res.Rows))
	for i, row := range res.Rows {
		if len(row) < 4 {
			return nil, fmt.Errorf("row %d: expected 4 columns, got %d", i, len(row))
		}
		var r record.Record
		if err := json.Unmarshal([]byte(row[1].Text()), &r); err != nil {
			return nil, fmt.Errorf("row %d: decode document: %w", i, err)
		}
		r.ServerID = row[0].Text()
		r.CreatedBy = row[2].Text()
		r.CreatedAt = time.UnixMilli(row[3].Int64()).UTC()
		out = append(out, r)
	}
	return out, nil
}
