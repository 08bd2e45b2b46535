// Package notifier delivers scored listings to a Discord-compatible webhook.
// The pipeline only cares about the boolean outcome and the channel list;
// presentation lives entirely here.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/metrics"
)

const (
	channelDiscord = "discord"
	botUsername    = "voiture-radar"

	// Minimum spacing between sends so a burst of urgent listings does not
	// flood the webhook.
	minSendInterval = 2 * time.Second
)

// Embed colours per alert level.
var embedColors = map[domain.AlertLevel]int{
	domain.AlertUrgent:      0xFF0000,
	domain.AlertInteressant: 0xFF8C00,
	domain.AlertSurveiller:  0xFFD700,
	domain.AlertArchive:     0x808080,
}

// Discord posts embeds to a webhook URL.
type Discord struct {
	webhookURL string
	http       *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	lastSend time.Time
}

// NewDiscord builds the notifier. An empty webhook URL disables sending.
func NewDiscord(webhookURL string, logger *slog.Logger) *Discord {
	return &Discord{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (d *Discord) Enabled() bool { return d.webhookURL != "" }

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedThumbnail struct {
	URL string `json:"url"`
}

type embed struct {
	Title       string          `json:"title"`
	URL         string          `json:"url,omitempty"`
	Description string          `json:"description,omitempty"`
	Color       int             `json:"color"`
	Fields      []embedField    `json:"fields,omitempty"`
	Thumbnail   *embedThumbnail `json:"thumbnail,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

type webhookPayload struct {
	Username string  `json:"username"`
	Content  string  `json:"content,omitempty"`
	Embeds   []embed `json:"embeds,omitempty"`
}

// Send posts a new-listing embed. Returns delivery success and the channels
// that received it.
func (d *Discord) Send(ctx context.Context, a *domain.Annonce) (bool, []string) {
	payload := webhookPayload{
		Username: botUsername,
		Embeds:   []embed{d.buildEmbed(a, "", false)},
	}
	if d.post(ctx, payload, "new") {
		return true, []string{channelDiscord}
	}
	return false, nil
}

// SendUpdate posts an update embed with the price/score delta line.
func (d *Discord) SendUpdate(ctx context.Context, a *domain.Annonce, oldPrice *int, oldScore int) (bool, []string) {
	var reasons []string
	if oldPrice != nil && a.Price != nil && *a.Price < *oldPrice {
		diff := *oldPrice - *a.Price
		pct := diff * 100 / *oldPrice
		reasons = append(reasons, fmt.Sprintf("price -%d€ (-%d%%)", diff, pct))
	}
	if a.ScoreTotal > oldScore {
		reasons = append(reasons, fmt.Sprintf("score +%dpts", a.ScoreTotal-oldScore))
	}
	if len(reasons) == 0 {
		return false, nil
	}
	reasonLine := strings.Join(reasons, " | ")

	payload := webhookPayload{
		Username: botUsername,
		Content:  "update: " + reasonLine,
		Embeds:   []embed{d.buildEmbed(a, reasonLine, true)},
	}
	if d.post(ctx, payload, "update") {
		return true, []string{channelDiscord}
	}
	return false, nil
}

// SendAlert posts a plain operator alert (zero-yield streak, crash loops,
// start/stop).
func (d *Discord) SendAlert(ctx context.Context, message string) bool {
	payload := webhookPayload{
		Username: botUsername,
		Content:  "alert: " + message,
	}
	return d.post(ctx, payload, "alert")
}

func (d *Discord) buildEmbed(a *domain.Annonce, reason string, isUpdate bool) embed {
	title := strings.TrimSpace(a.Make + " " + a.Model + " " + a.Version)
	if isUpdate {
		title = "[update] " + title
	}

	e := embed{
		Title:     title,
		URL:       a.URL,
		Color:     embedColors[a.AlertLevel],
		Timestamp: a.ScrapedAt.Format(time.RFC3339),
	}
	if reason == "" {
		reason = reasonLine(a)
	}
	e.Description = reason

	e.Fields = append(e.Fields,
		embedField{Name: "Price", Value: formatPrice(a.Price), Inline: true},
		embedField{Name: "Km", Value: formatKm(a.Km), Inline: true},
		embedField{Name: "Score", Value: fmt.Sprintf("%d/100 (%s)", a.ScoreTotal, a.AlertLevel), Inline: true},
	)
	if a.Year != nil {
		e.Fields = append(e.Fields, embedField{Name: "Year", Value: fmt.Sprintf("%d", *a.Year), Inline: true})
	}
	if loc := formatLocation(a); loc != "" {
		e.Fields = append(e.Fields, embedField{Name: "Location", Value: loc, Inline: true})
	}
	if a.MarginMin > 0 || a.MarginMax > 0 {
		e.Fields = append(e.Fields, embedField{
			Name:   "Margin",
			Value:  fmt.Sprintf("%d - %d €", a.MarginMin, a.MarginMax),
			Inline: true,
		})
	}
	if len(a.Opportunities) > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Opportunities", Value: joinFirst(a.Opportunities, 3)})
	}
	if len(a.Risks) > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Risks", Value: joinFirst(a.Risks, 3)})
	}
	if breakdown := a.ScoreBreakdown.Summary(); breakdown != "not scored" {
		e.Fields = append(e.Fields, embedField{Name: "Breakdown", Value: breakdown})
	}
	if len(a.ImageURLs) > 0 {
		e.Thumbnail = &embedThumbnail{URL: a.ImageURLs[0]}
	}
	return e
}

// reasonLine compresses the "why" into one machine-readable line.
func reasonLine(a *domain.Annonce) string {
	var parts []string
	if a.ScoreBreakdown.PriceDetail != "" {
		parts = append(parts, a.ScoreBreakdown.PriceDetail)
	}
	if len(a.Opportunities) > 0 {
		parts = append(parts, joinFirst(a.Opportunities, 3))
	}
	if a.Department != "" {
		parts = append(parts, a.Department)
	}
	return strings.Join(parts, " + ")
}

func (d *Discord) post(ctx context.Context, payload webhookPayload, kind string) bool {
	if !d.Enabled() {
		d.logger.Debug("notifier_disabled")
		return false
	}

	d.throttle(ctx)

	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		d.logger.Error("notification_failed", slog.String("kind", kind), slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		metrics.NotificationsTotal.WithLabelValues(kind, "error").Inc()
		d.logger.Error("notification_rejected",
			slog.String("kind", kind),
			slog.Int("status", resp.StatusCode),
		)
		return false
	}
	metrics.NotificationsTotal.WithLabelValues(kind, "ok").Inc()
	return true
}

// throttle enforces the minimum spacing between webhook posts.
func (d *Discord) throttle(ctx context.Context) {
	d.mu.Lock()
	wait := minSendInterval - time.Since(d.lastSend)
	if wait < 0 {
		wait = 0
	}
	d.lastSend = time.Now().Add(wait)
	d.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}
}

func formatPrice(price *int) string {
	if price == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d €", *price)
}

func formatKm(km *int) string {
	if km == nil {
		return "N/A"
	}
	return fmt.Sprintf("%d km", *km)
}

func formatLocation(a *domain.Annonce) string {
	switch {
	case a.City != "" && a.Department != "":
		return fmt.Sprintf("%s (%s)", a.City, a.Department)
	case a.City != "":
		return a.City
	default:
		return a.Department
	}
}

func joinFirst(items []string, n int) string {
	if len(items) > n {
		items = items[:n]
	}
	return strings.Join(items, ", ")
}
