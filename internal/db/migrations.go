package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		customer_code VARCHAR(64) PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`DO $$
	BEGIN
		IF NOT EXISTS (SELECT 1 FROM pg_type WHERE typname = 'measure_type') THEN
			CREATE TYPE measure_type AS ENUM ('WATER', 'GAS');
		END IF;
	END
	$$;`,
	`CREATE TABLE IF NOT EXISTS measures (
		id UUID PRIMARY KEY,
		customer_code VARCHAR(64) NOT NULL REFERENCES customers(customer_code),
		type measure_type NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		image BYTEA NOT NULL,
		image_mime_type VARCHAR(64) NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		period_year SMALLINT NOT NULL,
		period_month SMALLINT NOT NULL CHECK (period_month BETWEEN 1 AND 12),
		confirmed BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_measures_period ON measures (customer_code, type, period_year, period_month);`,
	`CREATE INDEX IF NOT EXISTS idx_measures_customer ON measures (customer_code, created_at);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
