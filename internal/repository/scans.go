package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
)

// ScanRecord is one row of scan history.
type ScanRecord struct {
	ID              int64      `json:"id"`
	Source          string     `json:"source"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Status          string     `json:"status"`
	ListingsFound   int        `json:"listings_found"`
	ListingsNew     int        `json:"listings_new"`
	ErrorsCount     int        `json:"errors_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}

// LogScanStart opens a scan_history row and returns its id.
func (r *Repository) LogScanStart(ctx context.Context, source domain.Source) (int64, error) {
	var id int64
	metrics.DBQueryTotal.WithLabelValues("insert", "scan_history").Inc()
	err := r.db.QueryRow(ctx, `
		INSERT INTO scan_history (source, started_at, status)
		VALUES ($1, $2, 'running')
		RETURNING id`, string(source), time.Now().UTC()).Scan(&id)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("scan_log_start_failed", slog.String("error", err.Error()))
		return 0, err
	}
	return id, nil
}

// LogScanEnd closes a scan_history row with its final counts.
func (r *Repository) LogScanEnd(ctx context.Context, scanID int64, status string, found, newCount, errorsCount int, errorMessage string) error {
	now := time.Now().UTC()
	metrics.DBQueryTotal.WithLabelValues("update", "scan_history").Inc()
	_, err := r.db.Exec(ctx, `
		UPDATE scan_history
		SET finished_at = $1, status = $2, listings_found = $3, listings_new = $4,
			errors_count = $5, error_message = $6,
			duration_seconds = EXTRACT(EPOCH FROM ($1 - started_at))
		WHERE id = $7`,
		now, status, found, newCount, errorsCount, errorMessage, scanID)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("scan_log_end_failed", slog.String("error", err.Error()))
	}
	return err
}

// LogScan writes a completed scan in one shot.
func (r *Repository) LogScan(ctx context.Context, source domain.Source, found, newCount, errorsCount int) {
	now := time.Now().UTC()
	metrics.DBQueryTotal.WithLabelValues("insert", "scan_history").Inc()
	_, err := r.db.Exec(ctx, `
		INSERT INTO scan_history (source, started_at, finished_at, status, listings_found, listings_new, errors_count, duration_seconds)
		VALUES ($1, $2, $2, 'completed', $3, $4, $5, 0)`,
		string(source), now, found, newCount, errorsCount)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("scan_log_failed", slog.String("error", err.Error()))
	}
}

// RecentScans lists the latest scan_history rows.
func (r *Repository) RecentScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	metrics.DBQueryTotal.WithLabelValues("select", "scan_history").Inc()
	rows, err := r.db.Query(ctx, `
		SELECT id, source, started_at, finished_at, status, listings_found,
			listings_new, errors_count, error_message, duration_seconds
		FROM scan_history ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		return nil, err
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.StartedAt, &rec.FinishedAt,
			&rec.Status, &rec.ListingsFound, &rec.ListingsNew, &rec.ErrorsCount,
			&rec.ErrorMessage, &rec.DurationSeconds); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
