package repository

import (
	"context"

	"github.com/yesmonga/voiture-radar/internal/metrics"
)

// Stats is the global aggregate used by the operator API.
type Stats struct {
	Total       int     `json:"total"`
	Urgent      int     `json:"urgent"`
	Interessant int     `json:"interessant"`
	Surveiller  int     `json:"surveiller"`
	Notified    int     `json:"notified"`
	Excluded    int     `json:"excluded"`
	AvgScore    float64 `json:"avg_score"`
}

// SourceStats is the per-source aggregate.
type SourceStats struct {
	Source   string  `json:"source"`
	Total    int     `json:"total"`
	Urgent   int     `json:"urgent"`
	Notified int     `json:"notified"`
	AvgScore float64 `json:"avg_score"`
}

// GetStats aggregates the whole table.
func (r *Repository) GetStats(ctx context.Context) (Stats, error) {
	metrics.DBQueryTotal.WithLabelValues("select", "annonces").Inc()
	var s Stats
	err := r.db.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE alert_level = 'urgent'),
			COUNT(*) FILTER (WHERE alert_level = 'interessant'),
			COUNT(*) FILTER (WHERE alert_level = 'surveiller'),
			COUNT(*) FILTER (WHERE notified),
			COUNT(*) FILTER (WHERE status = 'excluded'),
			COALESCE(AVG(score_total), 0)
		FROM annonces`).Scan(
		&s.Total, &s.Urgent, &s.Interessant, &s.Surveiller, &s.Notified, &s.Excluded, &s.AvgScore)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		return Stats{}, err
	}
	return s, nil
}

// GetStatsBySource aggregates per source.
func (r *Repository) GetStatsBySource(ctx context.Context) ([]SourceStats, error) {
	metrics.DBQueryTotal.WithLabelValues("select", "annonces").Inc()
	rows, err := r.db.Query(ctx, `
		SELECT
			source,
			COUNT(*),
			COUNT(*) FILTER (WHERE alert_level = 'urgent'),
			COUNT(*) FILTER (WHERE notified),
			COALESCE(AVG(score_total), 0)
		FROM annonces
		GROUP BY source
		ORDER BY source`)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		return nil, err
	}
	defer rows.Close()

	var out []SourceStats
	for rows.Next() {
		var s SourceStats
		if err := rows.Scan(&s.Source, &s.Total, &s.Urgent, &s.Notified, &s.AvgScore); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
