package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clawinfra/storedesk/internal/record"
)

// PostgreSQL error codes the gateway reacts to.
const (
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrConnectionException = "08000" // connection_exception
	PgErrAdminShutdown       = "57P01" // admin_shutdown
	PgErrCannotConnectNow    = "57P03" // cannot_connect_now
)

// Receipt is the receipts table row.
type Receipt struct {
	ID             string    `gorm:"column:id;primaryKey;type:uuid;default:gen_random_uuid()"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(64);not null;uniqueIndex"`
	OrderNumber    string    `gorm:"column:order_number;type:varchar(64);not null;index"`
	Area           string    `gorm:"column:area;type:varchar(100);not null;index:idx_receipts_area_arrival,priority:1"`
	ArrivalDate    string    `gorm:"column:arrival_date;type:varchar(10);not null;index:idx_receipts_area_arrival,priority:2;index"`
	Status         string    `gorm:"column:status;type:varchar(20);not null;default:'delivered'"`
	Document       string    `gorm:"column:document;type:jsonb;not null"`
	CreatedBy      string    `gorm:"column:created_by;type:varchar(255);not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;default:now();index"`
}

func (Receipt) TableName() string { return "receipts" }

// PostgresOptions configures a Postgres gateway.
type PostgresOptions struct {
	CreatedBy     string
	WatchInterval time.Duration
	Logger        *slog.Logger
}

// Postgres is the Gateway backed by PostgreSQL through gorm.
type Postgres struct {
	db        *gorm.DB
	createdBy string
	poller    *Poller
	logger    *slog.Logger
}

// OpenPostgres connects to dsn.
func OpenPostgres(dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", classifyPg(err))
	}
	return NewPostgres(db, opts), nil
}

// NewPostgres wraps an existing gorm handle.
func NewPostgres(db *gorm.DB, opts PostgresOptions) *Postgres {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = "anonymous"
	}
	g := &Postgres{
		db:        db,
		createdBy: opts.CreatedBy,
		logger:    logger.With("component", "gateway", "backend", "postgres"),
	}
	g.poller = NewPoller(g.ListAll, opts.WatchInterval, logger)
	return g
}

// InitSchema migrates the receipts table.
func (g *Postgres) InitSchema(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&Receipt{}); err != nil {
		return fmt.Errorf("migrate receipts: %w", classifyPg(err))
	}
	return nil
}

func (g *Postgres) CreateRecord(ctx context.Context, r record.Record) (string, error) {
	if r.IdempotencyKey == "" {
		return "", errors.New("create record: missing idempotency key")
	}
	r.ServerID, r.CreatedBy, r.CreatedAt = "", "", time.Time{}
	doc, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}

	row := Receipt{
		IdempotencyKey: r.IdempotencyKey,
		OrderNumber:    r.OrderNumber,
		Area:           r.Area,
		ArrivalDate:    r.ArrivalDate,
		Status:         string(r.Status),
		Document:       string(doc),
		CreatedBy:      g.createdBy,
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		var pgErr *pgconn.PgError
		if !errors.As(res.Error, &pgErr) || pgErr.Code != PgErrUniqueViolation {
			return "", fmt.Errorf("create record: %w", classifyPg(res.Error))
		}
	} else if res.RowsAffected == 1 && row.ID != "" {
		return row.ID, nil
	}

	// Already stored under this idempotency key.
	var existing Receipt
	err = g.db.WithContext(ctx).
		Select("id").
		Where("idempotency_key = ?", r.IdempotencyKey).
		Take(&existing).Error
	if err != nil {
		return "", fmt.Errorf("lookup existing record: %w", classifyPg(err))
	}
	g.logger.Debug("record already stored", "idempotency_key", r.IdempotencyKey)
	return existing.ID, nil
}

func (g *Postgres) DeleteRecord(ctx context.Context, serverID string) error {
	res := g.db.WithContext(ctx).Where("id = ?", serverID).Delete(&Receipt{})
	if res.Error != nil {
		return fmt.Errorf("delete record: %w", classifyPg(res.Error))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete %s: %w", serverID, ErrNotFound)
	}
	return nil
}

func (g *Postgres) ListAll(ctx context.Context) ([]record.Record, error) {
	var rows []Receipt
	err := g.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list records: %w", classifyPg(err))
	}
	return receiptsToRecords(rows)
}

func (g *Postgres) QueryRange(ctx context.Context, q RangeQuery) ([]record.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	tx := g.db.WithContext(ctx).Model(&Receipt{})
	if q.From != "" {
		tx = tx.Where("arrival_date >= ?", q.From)
	}
	if q.To != "" {
		tx = tx.Where("arrival_date <= ?", q.To)
	}
	if q.Area != "" {
		tx = tx.Where("area = ?", q.Area)
	}
	var rows []Receipt
	if err := tx.Order("arrival_date DESC").Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query range: %w", classifyPg(err))
	}
	return receiptsToRecords(rows)
}

func (g *Postgres) Watch(ctx context.Context, fn func([]record.Record)) (func(), error) {
	return g.poller.Watch(ctx, fn)
}

func (g *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", classifyPg(err))
	}
	return nil
}

// Close releases the connection pool.
func (g *Postgres) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func receiptsToRecords(rows []Receipt) ([]record.Record, error) {
	out := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		var r record.Record
		if err := json.Unmarshal([]byte(row.Document), &r); err != nil {
			return nil, fmt.Errorf("receipt %s: decode document: %w", row.ID, err)
		}
		r.ServerID = row.ID
		r.CreatedBy = row.CreatedBy
		r.CreatedAt = row.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, nil
}

// classifyPg marks connection-level failures as ErrNetwork. Errors raised by
// the server for the statement itself pass through unchanged.
func classifyPg(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		if strings.HasPrefix(code, "08") || code == PgErrAdminShutdown || code == PgErrCannotConnectNow {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
