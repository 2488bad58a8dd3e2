package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/wabot-server-go/internal/errors"
	"github.com/openclaw/wabot-server-go/internal/events"
	"github.com/openclaw/wabot-server-go/internal/httputil"
	"github.com/openclaw/wabot-server-go/internal/util"
)

const heartbeatInterval = 30 * time.Second

// EventsHandler streams one user's session events over SSE.
type EventsHandler struct {
	broker *events.Broker
}

func NewEventsHandler(broker *events.Broker) *EventsHandler {
	return &EventsHandler{broker: broker}
}

// GET /v1/events?userId=...
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if !util.IsValidUserID(userID) {
		httputil.WriteError(w, apperrors.InvalidInput("Invalid user id"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	client := h.broker.Subscribe(userID)
	defer h.broker.Unsubscribe(client)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-client.Done:
			return

		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()

		case event := <-client.Events:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, event.Data)
			flusher.Flush()
			log.Debug().Str("userId", userID).Str("type", event.Type).Msg("event delivered")
		}
	}
}
