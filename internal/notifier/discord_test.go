package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yesmonga/voiture-radar/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func scoredAnnonce() *domain.Annonce {
	a := domain.NewAnnonce(domain.SourceAutoScout24, "https://www.autoscout24.fr/annonce/1")
	a.Make = "Peugeot"
	a.Model = "207"
	a.Version = "1.4 HDi"
	price := 2000
	a.Price = &price
	km := 120000
	a.Km = &km
	a.City = "Lyon"
	a.Department = "69"
	a.ImageURLs = []string{"https://img/1.jpg"}
	a.Opportunities = []string{"ct_ok", "premiere_main"}
	a.UpdateScore(domain.ScoreBreakdown{
		PriceScore: 30, PriceDetail: "2000€ (-28% vs market 2800€)",
		KmScore: 25, Total: 72, MarginMin: 900, MarginMax: 1800,
	})
	return a
}

func TestSendPostsEmbed(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := NewDiscord(server.URL, testLogger())
	ok, channels := d.Send(context.Background(), scoredAnnonce())

	assert.True(t, ok)
	assert.Equal(t, []string{"discord"}, channels)

	embeds, _ := received["embeds"].([]any)
	require.Len(t, embeds, 1)
	embed := embeds[0].(map[string]any)
	assert.Equal(t, "Peugeot 207 1.4 HDi", embed["title"])
	assert.Equal(t, float64(0xFF8C00), embed["color"], "interessant tier is orange")

	thumbnail := embed["thumbnail"].(map[string]any)
	assert.Equal(t, "https://img/1.jpg", thumbnail["url"])
}

func TestSendFailsOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	d := NewDiscord(server.URL, testLogger())
	ok, channels := d.Send(context.Background(), scoredAnnonce())
	assert.False(t, ok)
	assert.Nil(t, channels)
}

func TestSendDisabledWithoutWebhook(t *testing.T) {
	d := NewDiscord("", testLogger())
	ok, _ := d.Send(context.Background(), scoredAnnonce())
	assert.False(t, ok)
	assert.False(t, d.Enabled())
}

func TestSendUpdateRequiresAChange(t *testing.T) {
	d := NewDiscord("https://example.invalid/webhook", testLogger())

	a := scoredAnnonce()
	samePrice := *a.Price
	ok, _ := d.SendUpdate(context.Background(), a, &samePrice, a.ScoreTotal)
	assert.False(t, ok, "no delta, nothing to send")
}

func TestSendUpdateCarriesDelta(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDiscord(server.URL, testLogger())
	a := scoredAnnonce() // price 2000
	oldPrice := 2150     // -150€, -6%

	ok, _ := d.SendUpdate(context.Background(), a, &oldPrice, a.ScoreTotal)
	require.True(t, ok)

	content, _ := received["content"].(string)
	assert.Contains(t, content, "-150€")
	assert.Contains(t, content, "-6%")
}

func TestSendAlert(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	d := NewDiscord(server.URL, testLogger())
	require.True(t, d.SendAlert(context.Background(), "zero listings for 3 cycles"))

	content, _ := received["content"].(string)
	assert.Contains(t, content, "zero listings")
}
