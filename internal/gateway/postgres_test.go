package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/clawinfra/storedesk/internal/record"
)

// sqlRecorder is a gorm logger that keeps every traced statement.
type sqlRecorder struct {
	mu    sync.Mutex
	stmts []string
}

func (l *sqlRecorder) LogMode(gormlogger.LogLevel) gormlogger.Interface { return l }
func (l *sqlRecorder) Info(context.Context, string, ...any)             {}
func (l *sqlRecorder) Warn(context.Context, string, ...any)             {}
func (l *sqlRecorder) Error(context.Context, string, ...any)            {}

func (l *sqlRecorder) Trace(_ context.Context, _ time.Time, fc func() (string, int64), _ error) {
	sql, _ := fc()
	l.mu.Lock()
	l.stmts = append(l.stmts, sql)
	l.mu.Unlock()
}

func (l *sqlRecorder) statements() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.stmts...)
}

// openOffline opens a gorm handle that never reaches a server.
func openOffline(t *testing.T, cfg *gorm.Config) *gorm.DB {
	t.Helper()
	cfg.DisableAutomaticPing = true
	cfg.SkipDefaultTransaction = true
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=127.0.0.1 port=1 user=storedesk dbname=storedesk sslmode=disable",
	}), cfg)
	require.NoError(t, err)
	return db
}

func TestPostgres_CreateRecordSkipsDuplicateKeys(t *testing.T) {
	recorder := &sqlRecorder{}
	db := openOffline(t, &gorm.Config{DryRun: true, Logger: recorder})
	g := NewPostgres(db, PostgresOptions{CreatedBy: "bodega"})

	_, err := g.CreateRecord(context.Background(), pgReceipt("k1"))
	require.NoError(t, err)

	stmts := recorder.statements()
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], `INSERT INTO "receipts"`)
	assert.Contains(t, stmts[0], `ON CONFLICT ("idempotency_key") DO NOTHING`)
	assert.Contains(t, stmts[0], `'bodega'`)
	// Nothing was inserted, so the row stored under the key is looked up.
	assert.Contains(t, stmts[1], `FROM "receipts" WHERE idempotency_key = 'k1'`)
}

func TestPostgres_CreateRecordRequiresKey(t *testing.T) {
	db := openOffline(t, &gorm.Config{DryRun: true, Logger: &sqlRecorder{}})
	_, err := NewPostgres(db, PostgresOptions{}).CreateRecord(context.Background(), record.Record{OrderNumber: "OC-1"})
	assert.Error(t, err)
}

func TestPostgres_CreateRecordErrors(t *testing.T) {
	tests := []struct {
		name        string
		createErr   error
		wantID      string
		wantNetwork bool
	}{
		{name: "unique violation returns stored row", createErr: &pgconn.PgError{Code: PgErrUniqueViolation}, wantID: "existing-id"},
		{name: "connection failure", createErr: &pgconn.PgError{Code: "08006"}, wantNetwork: true},
		{name: "constraint failure", createErr: &pgconn.PgError{Code: "23502"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openOffline(t, &gorm.Config{Logger: &sqlRecorder{}})
			require.NoError(t, db.Callback().Create().Replace("gorm:create", func(tx *gorm.DB) {
				_ = tx.AddError(tt.createErr)
			}))
			require.NoError(t, db.Callback().Query().Replace("gorm:query", func(tx *gorm.DB) {
				if row, ok := tx.Statement.Dest.(*Receipt); ok {
					row.ID = "existing-id"
					tx.RowsAffected = 1
				}
			}))

			id, err := NewPostgres(db, PostgresOptions{}).CreateRecord(context.Background(), pgReceipt("k1"))
			if tt.wantID != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantNetwork, errors.Is(err, ErrNetwork))
		})
	}
}

func TestClassifyPg(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantNetwork bool
	}{
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, wantNetwork: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: PgErrAdminShutdown}, wantNetwork: true},
		{name: "cannot connect now", err: &pgconn.PgError{Code: PgErrCannotConnectNow}, wantNetwork: true},
		{name: "unique violation", err: &pgconn.PgError{Code: PgErrUniqueViolation}},
		{name: "record not found", err: gorm.ErrRecordNotFound},
		{name: "transport error", err: errors.New("dial tcp 127.0.0.1:5432: connection refused"), wantNetwork: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPg(tt.err)
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.wantNetwork, errors.Is(got, ErrNetwork))
		})
	}
	assert.NoError(t, classifyPg(nil))
}

func TestReceiptsToRecords(t *testing.T) {
	doc, err := json.Marshal(record.Record{
		OrderNumber:    "OC-7",
		Area:           "Taller",
		ArrivalDate:    "2026-03-02",
		Status:         record.StatusDelivered,
		IdempotencyKey: "k7",
	})
	require.NoError(t, err)

	created := time.Date(2026, 3, 2, 9, 30, 0, 0, time.FixedZone("COT", -5*3600))
	out, err := receiptsToRecords([]Receipt{{
		ID:        "5f0c",
		Document:  string(doc),
		CreatedBy: "bodega",
		CreatedAt: created,
	}})
	require.NoError(t, err)
	require.Len(t, out, 1)

	r := out[0]
	assert.Equal(t, "OC-7", r.OrderNumber)
	assert.Equal(t, "k7", r.IdempotencyKey)
	assert.Equal(t, "5f0c", r.ServerID)
	assert.Equal(t, "bodega", r.CreatedBy)
	assert.Equal(t, time.UTC, r.CreatedAt.Location())
	assert.True(t, r.CreatedAt.Equal(created))
	assert.True(t, r.IsPersisted())

	_, err = receiptsToRecords([]Receipt{{ID: "bad", Document: "{"}})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "receipt bad"))
}

func pgReceipt(key string) record.Record {
	r := rec(key, "Taller", "2026-03-02")
	r.Status = record.StatusDelivered
	return r
}
