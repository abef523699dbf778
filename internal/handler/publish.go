package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/middleware"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

// PublishRequest is the body of an internal publish call.
type PublishRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RequiresAck bool            `json:"requires_ack"`
}

// PublishHandler accepts events from upstream producers.
type PublishHandler struct {
	delivery *service.DeliveryService
	logger   *logger.Logger
}

// NewPublishHandler creates a new publish handler.
func NewPublishHandler(delivery *service.DeliveryService, log *logger.Logger) *PublishHandler {
	return &PublishHandler{
		delivery: delivery,
		logger:   log.Component("publish"),
	}
}

// Publish handles POST /internal/v1/conversations/{id}/events
func (h *PublishHandler) Publish(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 2*middleware.MaxPayloadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	eventType, err := model.ParseEventType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidatePayload(req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.delivery.Publish(r.Context(), conversationID, eventType, req.Payload, req.RequiresAck); err != nil {
		if errors.Is(err, model.ErrInvalidEvent) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("publish failed",
			zap.String("conversation_id", conversationID),
			zap.String("producer", middleware.GetProducer(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to publish event")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}
