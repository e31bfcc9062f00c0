package gateway

import (
	"context"
	"fmt"
)

// schemaStatements creates the receipts table in Turso. The full record is
// kept as a JSON document next to the columns used for filtering.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		order_number TEXT NOT NULL,
		area TEXT NOT NULL,
		status TEXT NOT NULL,
		arrival_date TEXT NOT NULL,
		document TEXT NOT NULL,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_arrival ON receipts(arrival_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_area ON receipts(area, arrival_date DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_created ON receipts(created_at DESC)`,
}

// InitSchema creates the receipts table and its indexes.
func (c *Client) InitSchema(ctx context.Context) error {
	for i, sql := range schemaStatements {
		if _, err := c.Execute(ctx, sql); err != nil {
			return fmt.Errorf("statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
