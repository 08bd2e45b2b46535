package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yesmonga/voiture-radar/internal/middleware"
	"github.com/yesmonga/voiture-radar/internal/realtime"
)

type SSEHandler struct {
	broker            *realtime.Broker
	logger            *slog.Logger
	keepaliveInterval time.Duration
}

func NewSSEHandler(broker *realtime.Broker, logger *slog.Logger) *SSEHandler {
	return &SSEHandler{
		broker:            broker,
		logger:            logger,
		keepaliveInterval: 30 * time.Second,
	}
}

// StreamFeed handles SSE connections for the live scored-listings feed.
// An optional min_score query param filters the stream.
func (h *SSEHandler) StreamFeed(w http.ResponseWriter, r *http.Request) {
	minScore := parseIntDefault(r.URL.Query().Get("min_score"), 0)

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	sub := &realtime.Subscriber{
		ID:       uuid.New().String(),
		MinScore: minScore,
		Messages: make(chan []byte, 100),
		Done:     make(chan struct{}),
	}

	h.broker.Subscribe(sub)
	defer func() {
		close(sub.Done)
		h.broker.Unsubscribe(sub)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	h.logger.Info("sse_connection_opened",
		slog.String("subscriber_id", sub.ID),
		slog.Int("min_score", minScore),
		slog.String("request_id", middleware.GetRequestID(r.Context())),
	)

	// Send initial connection message
	w.Write([]byte("event: connected\ndata: {}\n\n"))
	flusher.Flush()

	keepalive := time.NewTicker(h.keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("sse_connection_closed", slog.String("subscriber_id", sub.ID))
			return

		case msg := <-sub.Messages:
			if _, err := w.Write([]byte("event: annonce\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
