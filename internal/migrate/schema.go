package migrate

import (
	"context"
	"database/sql"

	"propmap/internal/logger"
)

// Statements creates the properties and ratings tables on first run.
// Every statement is idempotent.
var Statements = []string{
	`CREATE TABLE IF NOT EXISTS properties (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        address TEXT NOT NULL DEFAULT '',
        lat DOUBLE PRECISION NOT NULL,
        lng DOUBLE PRECISION NOT NULL,
        origin TEXT NOT NULL DEFAULT 'store',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_properties_lat_lng ON properties(lat, lng)`,
	`CREATE INDEX IF NOT EXISTS idx_properties_address ON properties(address)`,
	`CREATE TABLE IF NOT EXISTS ratings (
        id BIGSERIAL PRIMARY KEY,
        property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
        score INT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    )`,
	`CREATE INDEX IF NOT EXISTS idx_ratings_property ON ratings(property_id)`,
}

// EnsureSchema runs Statements in order and stops at the first failure.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range Statements {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
