// Package repository is the only place that touches persistent storage.
// One row per fingerprint: Save upserts on the fingerprint key and never
// overwrites id, fingerprint or created_at.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
)

// Repository stores annonces and scan history in Postgres.
type Repository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Repository on an existing pool.
func New(db *pgxpool.Pool, logger *slog.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Filters narrows listing queries. Zero values mean "no filter".
type Filters struct {
	Source      domain.Source
	Status      domain.Status
	AlertLevel  domain.AlertLevel
	MinScore    *int
	NotNotified bool
}

// Allowed sort keys for GetAll. A closed set keeps user input out of SQL.
var allowedOrders = map[string]string{
	"score_total DESC": "score_total DESC",
	"score_total ASC":  "score_total ASC",
	"created_at DESC":  "created_at DESC",
	"created_at ASC":   "created_at ASC",
	"price ASC":        "price ASC",
	"price DESC":       "price DESC",
}

const annonceColumns = `id, source, source_listing_id, url, url_canonical, fingerprint,
	fingerprint_soft, make, model, version, motorisation, fuel, gearbox, power_hp,
	year, km, price, city, postal_code, department, lat, lon, seller_type,
	seller_name, seller_phone, title, description, image_urls, published_at,
	scraped_at, created_at, updated_at, score_total, score_breakdown,
	target_vehicle_id, opportunities, risks, margin_min, margin_max,
	repair_cost_estimate, market_price_estimate, alert_level, status,
	ignore_reason, notified, notified_at, notify_channels`

// Save upserts an annonce keyed by fingerprint. On conflict every column is
// updated except id, fingerprint and created_at; updated_at is refreshed.
// Returns false on storage errors (logged, never fatal to the pipeline).
func (r *Repository) Save(ctx context.Context, a *domain.Annonce) bool {
	a.UpdatedAt = time.Now().UTC()

	imageURLs, _ := json.Marshal(orEmpty(a.ImageURLs))
	breakdown, _ := json.Marshal(a.ScoreBreakdown)
	opportunities, _ := json.Marshal(orEmpty(a.Opportunities))
	risks, _ := json.Marshal(orEmpty(a.Risks))
	channels, _ := json.Marshal(orEmpty(a.NotifyChannels))

	const query = `
		INSERT INTO annonces (` + annonceColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
			$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38,$39,
			$40,$41,$42,$43,$44,$45,$46,$47)
		ON CONFLICT (fingerprint) DO UPDATE SET
			source = excluded.source,
			source_listing_id = excluded.source_listing_id,
			url = excluded.url,
			url_canonical = excluded.url_canonical,
			fingerprint_soft = excluded.fingerprint_soft,
			make = excluded.make,
			model = excluded.model,
			version = excluded.version,
			motorisation = excluded.motorisation,
			fuel = excluded.fuel,
			gearbox = excluded.gearbox,
			power_hp = excluded.power_hp,
			year = excluded.year,
			km = excluded.km,
			price = excluded.price,
			city = excluded.city,
			postal_code = excluded.postal_code,
			department = excluded.department,
			lat = excluded.lat,
			lon = excluded.lon,
			seller_type = excluded.seller_type,
			seller_name = excluded.seller_name,
			seller_phone = excluded.seller_phone,
			title = excluded.title,
			description = excluded.description,
			image_urls = excluded.image_urls,
			published_at = excluded.published_at,
			scraped_at = excluded.scraped_at,
			updated_at = excluded.updated_at,
			score_total = excluded.score_total,
			score_breakdown = excluded.score_breakdown,
			target_vehicle_id = excluded.target_vehicle_id,
			opportunities = excluded.opportunities,
			risks = excluded.risks,
			margin_min = excluded.margin_min,
			margin_max = excluded.margin_max,
			repair_cost_estimate = excluded.repair_cost_estimate,
			market_price_estimate = excluded.market_price_estimate,
			alert_level = excluded.alert_level,
			status = excluded.status,
			ignore_reason = excluded.ignore_reason,
			notified = excluded.notified,
			notified_at = excluded.notified_at,
			notify_channels = excluded.notify_channels`

	_, err := r.db.Exec(ctx, query,
		a.ID, string(a.Source), a.SourceListingID, a.URL, a.URLCanonical, a.Fingerprint,
		a.FingerprintSoft, a.Make, a.Model, a.Version, a.Motorisation, string(a.Fuel),
		string(a.Gearbox), a.PowerHP, a.Year, a.Km, a.Price, a.City, a.PostalCode,
		a.Department, a.Latitude, a.Longitude, string(a.SellerType), a.SellerName,
		a.SellerPhone, a.Title, a.Description, imageURLs, a.PublishedAt, a.ScrapedAt,
		a.CreatedAt, a.UpdatedAt, a.ScoreTotal, breakdown, a.TargetVehicleID,
		opportunities, risks, a.MarginMin, a.MarginMax, a.RepairCostEstimate,
		a.MarketPriceEstimate, string(a.AlertLevel), string(a.Status), a.IgnoreReason,
		a.Notified, a.NotifiedAt, channels,
	)
	metrics.DBQueryTotal.WithLabelValues("upsert", "annonces").Inc()
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("annonce_save_failed",
			slog.String("fingerprint", a.Fingerprint),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// GetByID fetches one annonce by internal id.
func (r *Repository) GetByID(ctx context.Context, id string) (*domain.Annonce, error) {
	return r.getOne(ctx, `SELECT `+annonceColumns+` FROM annonces WHERE id = $1`, id)
}

// GetByFingerprint fetches one annonce by its upsert key.
func (r *Repository) GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Annonce, error) {
	return r.getOne(ctx, `SELECT `+annonceColumns+` FROM annonces WHERE fingerprint = $1`, fingerprint)
}

// GetByURL matches either the raw or the canonical URL.
func (r *Repository) GetByURL(ctx context.Context, url string) (*domain.Annonce, error) {
	return r.getOne(ctx, `SELECT `+annonceColumns+` FROM annonces WHERE url = $1 OR url_canonical = $1`, url)
}

// GetBySourceListing fetches by the site-native identity.
func (r *Repository) GetBySourceListing(ctx context.Context, source domain.Source, listingID string) (*domain.Annonce, error) {
	if listingID == "" {
		return nil, nil
	}
	return r.getOne(ctx,
		`SELECT `+annonceColumns+` FROM annonces WHERE source = $1 AND source_listing_id = $2`,
		string(source), listingID)
}

// Exists short-circuits as soon as either key matches. Empty arguments are
// skipped.
func (r *Repository) Exists(ctx context.Context, fingerprint, url string) bool {
	metrics.DBQueryTotal.WithLabelValues("exists", "annonces").Inc()
	if fingerprint != "" {
		var found bool
		err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM annonces WHERE fingerprint = $1)`, fingerprint).Scan(&found)
		if err != nil {
			metrics.DBErrorsTotal.Inc()
			r.logger.Error("annonce_exists_failed", slog.String("error", err.Error()))
			return false
		}
		if found {
			return true
		}
	}
	if url != "" {
		var found bool
		err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM annonces WHERE url = $1 OR url_canonical = $1)`, url).Scan(&found)
		if err != nil {
			metrics.DBErrorsTotal.Inc()
			r.logger.Error("annonce_exists_failed", slog.String("error", err.Error()))
			return false
		}
		return found
	}
	return false
}

// FindNearDuplicates returns every annonce sharing a soft fingerprint,
// newest first.
func (r *Repository) FindNearDuplicates(ctx context.Context, fingerprintSoft string) ([]*domain.Annonce, error) {
	if fingerprintSoft == "" {
		return nil, nil
	}
	return r.getMany(ctx,
		`SELECT `+annonceColumns+` FROM annonces WHERE fingerprint_soft = $1 ORDER BY created_at DESC`,
		fingerprintSoft)
}

// IsNearDuplicate reports whether another row shares the annonce's soft
// fingerprint, excluding the annonce itself.
func (r *Repository) IsNearDuplicate(ctx context.Context, a *domain.Annonce) (bool, *domain.Annonce) {
	dupes, err := r.FindNearDuplicates(ctx, a.FingerprintSoft)
	if err != nil {
		return false, nil
	}
	for _, d := range dupes {
		if d.ID != a.ID {
			return true, d
		}
	}
	return false, nil
}

// GetAll lists annonces with filters and a validated sort key.
func (r *Repository) GetAll(ctx context.Context, f Filters, limit, offset int, orderBy string) ([]*domain.Annonce, error) {
	order, ok := allowedOrders[orderBy]
	if !ok {
		order = "score_total DESC"
	}
	where, args := buildWhere(f)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM annonces %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		annonceColumns, where, order, len(args)-1, len(args))
	return r.getMany(ctx, query, args...)
}

// Count counts annonces matching the filters.
func (r *Repository) Count(ctx context.Context, f Filters) (int, error) {
	where, args := buildWhere(f)
	var count int
	metrics.DBQueryTotal.WithLabelValues("count", "annonces").Inc()
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM annonces `+where, args...).Scan(&count)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		return 0, err
	}
	return count, nil
}

// MarkNotified records a delivered notification.
func (r *Repository) MarkNotified(ctx context.Context, id string, channels []string) bool {
	encoded, _ := json.Marshal(orEmpty(channels))
	now := time.Now().UTC()
	_, err := r.db.Exec(ctx, `
		UPDATE annonces
		SET notified = TRUE, notified_at = $1, notify_channels = $2, updated_at = $1
		WHERE id = $3`, now, encoded, id)
	metrics.DBQueryTotal.WithLabelValues("update", "annonces").Inc()
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("annonce_mark_notified_failed", slog.String("id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// UpdateStatus changes the operator status of an annonce.
func (r *Repository) UpdateStatus(ctx context.Context, id string, status domain.Status, reason string) bool {
	_, err := r.db.Exec(ctx, `
		UPDATE annonces
		SET status = $1, ignore_reason = $2, updated_at = $3
		WHERE id = $4`, string(status), reason, time.Now().UTC(), id)
	metrics.DBQueryTotal.WithLabelValues("update", "annonces").Inc()
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("annonce_update_status_failed", slog.String("id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// Delete removes an annonce. Only used by operator tooling; the pipeline
// never deletes.
func (r *Repository) Delete(ctx context.Context, id string) bool {
	_, err := r.db.Exec(ctx, `DELETE FROM annonces WHERE id = $1`, id)
	metrics.DBQueryTotal.WithLabelValues("delete", "annonces").Inc()
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		r.logger.Error("annonce_delete_failed", slog.String("id", id), slog.String("error", err.Error()))
		return false
	}
	return true
}

// Recent returns annonces created in the given window, newest first. Used to
// preload the dedup caches on startup.
func (r *Repository) Recent(ctx context.Context, window time.Duration, limit int) ([]*domain.Annonce, error) {
	cutoff := time.Now().UTC().Add(-window)
	return r.getMany(ctx,
		`SELECT `+annonceColumns+` FROM annonces WHERE created_at >= $1 ORDER BY created_at DESC LIMIT $2`,
		cutoff, limit)
}

func buildWhere(f Filters) (string, []any) {
	var conditions []string
	var args []any
	add := func(cond string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if f.Source != "" {
		add("source = $%d", string(f.Source))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AlertLevel != "" {
		add("alert_level = $%d", string(f.AlertLevel))
	}
	if f.MinScore != nil {
		add("score_total >= $%d", *f.MinScore)
	}
	if f.NotNotified {
		conditions = append(conditions, "notified = FALSE")
	}
	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *Repository) getOne(ctx context.Context, query string, args ...any) (*domain.Annonce, error) {
	metrics.DBQueryTotal.WithLabelValues("select", "annonces").Inc()
	row := r.db.QueryRow(ctx, query, args...)
	a, err := scanAnnonce(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		return nil, err
	}
	return a, nil
}

func (r *Repository) getMany(ctx context.Context, query string, args ...any) ([]*domain.Annonce, error) {
	metrics.DBQueryTotal.WithLabelValues("select", "annonces").Inc()
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		metrics.DBErrorsTotal.Inc()
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Annonce
	for rows.Next() {
		a, err := scanAnnonce(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnonce(row rowScanner) (*domain.Annonce, error) {
	var a domain.Annonce
	var source, fuel, gearbox, sellerType, alertLevel, status string
	var imageURLs, breakdown, opportunities, risks, channels []byte

	err := row.Scan(
		&a.ID, &source, &a.SourceListingID, &a.URL, &a.URLCanonical, &a.Fingerprint,
		&a.FingerprintSoft, &a.Make, &a.Model, &a.Version, &a.Motorisation, &fuel,
		&gearbox, &a.PowerHP, &a.Year, &a.Km, &a.Price, &a.City, &a.PostalCode,
		&a.Department, &a.Latitude, &a.Longitude, &sellerType, &a.SellerName,
		&a.SellerPhone, &a.Title, &a.Description, &imageURLs, &a.PublishedAt,
		&a.ScrapedAt, &a.CreatedAt, &a.UpdatedAt, &a.ScoreTotal, &breakdown,
		&a.TargetVehicleID, &opportunities, &risks, &a.MarginMin, &a.MarginMax,
		&a.RepairCostEstimate, &a.MarketPriceEstimate, &alertLevel, &status,
		&a.IgnoreReason, &a.Notified, &a.NotifiedAt, &channels,
	)
	if err != nil {
		return nil, err
	}

	a.Source = domain.Source(source)
	a.Fuel = domain.Fuel(fuel)
	a.Gearbox = domain.Gearbox(gearbox)
	a.SellerType = domain.SellerType(sellerType)
	a.AlertLevel = domain.AlertLevel(alertLevel)
	a.Status = domain.Status(status)

	_ = json.Unmarshal(imageURLs, &a.ImageURLs)
	_ = json.Unmarshal(breakdown, &a.ScoreBreakdown)
	_ = json.Unmarshal(opportunities, &a.Opportunities)
	_ = json.Unmarshal(risks, &a.Risks)
	_ = json.Unmarshal(channels, &a.NotifyChannels)

	return &a, nil
}

func orEmpty(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
