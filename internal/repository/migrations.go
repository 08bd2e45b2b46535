package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RunMigrations creates the schema. Idempotent; safe on every startup.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS annonces (
			id                    TEXT PRIMARY KEY,
			source                TEXT NOT NULL,
			source_listing_id     TEXT NOT NULL DEFAULT '',
			url                   TEXT NOT NULL,
			url_canonical         TEXT NOT NULL,
			fingerprint           TEXT NOT NULL,
			fingerprint_soft      TEXT NOT NULL DEFAULT '',
			make                  TEXT NOT NULL DEFAULT '',
			model                 TEXT NOT NULL DEFAULT '',
			version               TEXT NOT NULL DEFAULT '',
			motorisation          TEXT NOT NULL DEFAULT '',
			fuel                  TEXT NOT NULL DEFAULT 'unknown',
			gearbox               TEXT NOT NULL DEFAULT 'unknown',
			power_hp              INTEGER,
			year                  INTEGER,
			km                    INTEGER,
			price                 INTEGER,
			city                  TEXT NOT NULL DEFAULT '',
			postal_code           TEXT NOT NULL DEFAULT '',
			department            TEXT NOT NULL DEFAULT '',
			lat                   DOUBLE PRECISION,
			lon                   DOUBLE PRECISION,
			seller_type           TEXT NOT NULL DEFAULT 'unknown',
			seller_name           TEXT NOT NULL DEFAULT '',
			seller_phone          TEXT NOT NULL DEFAULT '',
			title                 TEXT NOT NULL DEFAULT '',
			description           TEXT NOT NULL DEFAULT '',
			image_urls            JSONB NOT NULL DEFAULT '[]',
			published_at          TIMESTAMPTZ,
			scraped_at            TIMESTAMPTZ NOT NULL,
			created_at            TIMESTAMPTZ NOT NULL,
			updated_at            TIMESTAMPTZ NOT NULL,
			score_total           INTEGER NOT NULL DEFAULT 0,
			score_breakdown       JSONB NOT NULL DEFAULT '{}',
			target_vehicle_id     TEXT NOT NULL DEFAULT '',
			opportunities         JSONB NOT NULL DEFAULT '[]',
			risks                 JSONB NOT NULL DEFAULT '[]',
			margin_min            INTEGER NOT NULL DEFAULT 0,
			margin_max            INTEGER NOT NULL DEFAULT 0,
			repair_cost_estimate  INTEGER NOT NULL DEFAULT 0,
			market_price_estimate INTEGER,
			alert_level           TEXT NOT NULL DEFAULT 'archive',
			status                TEXT NOT NULL DEFAULT 'new',
			ignore_reason         TEXT NOT NULL DEFAULT '',
			notified              BOOLEAN NOT NULL DEFAULT FALSE,
			notified_at           TIMESTAMPTZ,
			notify_channels       JSONB NOT NULL DEFAULT '[]'
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_annonces_fingerprint ON annonces (fingerprint)`,
		`CREATE INDEX IF NOT EXISTS idx_annonces_source_listing ON annonces (source, source_listing_id)`,
		`CREATE INDEX IF NOT EXISTS idx_annonces_fingerprint_soft ON annonces (fingerprint_soft)`,
		`CREATE INDEX IF NOT EXISTS idx_annonces_url_canonical ON annonces (url_canonical)`,
		`CREATE INDEX IF NOT EXISTS idx_annonces_score ON annonces (score_total DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_annonces_created ON annonces (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS scan_history (
			id               BIGSERIAL PRIMARY KEY,
			source           TEXT NOT NULL,
			started_at       TIMESTAMPTZ NOT NULL,
			finished_at      TIMESTAMPTZ,
			status           TEXT NOT NULL DEFAULT 'running',
			listings_found   INTEGER NOT NULL DEFAULT 0,
			listings_new     INTEGER NOT NULL DEFAULT 0,
			errors_count     INTEGER NOT NULL DEFAULT 0,
			error_message    TEXT NOT NULL DEFAULT '',
			duration_seconds DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scan_history_source ON scan_history (source, started_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
