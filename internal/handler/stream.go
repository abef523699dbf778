package handler

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/middleware"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	delivery *service.DeliveryService
	logger   *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(delivery *service.DeliveryService, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		delivery: delivery,
		logger:   log.Component("sse"),
	}
}

// Stream handles GET /v1/conversations/{id}/events
// Supports ?last_event_id=N or the Last-Event-ID header for catch-up.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")

	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req, err := subscribeRequest(r, conversationID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.delivery.Subscribe(ctx, req)
	if err != nil {
		writeSubscribeError(w, err)
		return
	}
	defer sub.Close(model.CloseClientGone)

	log := h.logger.WithContext(middleware.GetCorrelationID(ctx), conversationID, sub.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	if err := sendSSEEvent(w, flusher, "connected", 0, &model.ConnectedEvent{
		ConnectionID:   sub.ID(),
		ConversationID: conversationID,
		HeartbeatSecs:  int(h.delivery.HeartbeatInterval().Seconds()),
	}); err != nil {
		return
	}

	if sub.Resumed() {
		for _, ev := range sub.Backlog() {
			if err := sendSSEEvent(w, flusher, "event", ev.ID, model.NewEnvelope(ev)); err != nil {
				return
			}
		}
		done := sub.ReplayComplete()
		if err := sendSSEEvent(w, flusher, "replay_complete", 0, &done); err != nil {
			return
		}
		log.Debug("replay complete",
			zap.Int("events_replayed", done.EventCount),
			zap.Bool("truncated", done.Truncated),
		)
	}

	// SSE has no upstream channel, so a flushed heartbeat frame is what
	// proves the client is still reading.
	heartbeat := time.NewTicker(heartbeatPeriod(h.delivery.HeartbeatInterval()))
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case <-sub.Done():
			sendSSEEvent(w, flusher, "closed", 0, &model.ClosedEvent{Reason: sub.CloseReason()})
			log.Info("SSE stream closed by server", zap.String("reason", string(sub.CloseReason())))
			return

		case ev := <-sub.Events():
			if !sub.Accept(ev) {
				continue
			}
			if err := sendSSEEvent(w, flusher, "event", ev.ID, model.NewEnvelope(ev)); err != nil {
				log.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", 0, &model.HeartbeatEvent{
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return
			}
			_ = sub.Heartbeat()
		}
	}
}

// heartbeatPeriod sends two frames per liveness interval.
func heartbeatPeriod(interval time.Duration) time.Duration {
	if interval <= 0 {
		return 15 * time.Second
	}
	return interval / 2
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, id uint64, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
