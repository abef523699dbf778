package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/Dlutsok/replyx-v2-sub001/internal/middleware"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
)

// AckRequest is the body of an acknowledgement.
type AckRequest struct {
	MessageID string `json:"message_id"`
}

// AckHandler serves acknowledgements and heartbeats for SSE clients, which
// have no in-band upstream channel.
type AckHandler struct {
	delivery *service.DeliveryService
}

// NewAckHandler creates a new ack handler.
func NewAckHandler(delivery *service.DeliveryService) *AckHandler {
	return &AckHandler{delivery: delivery}
}

// Ack handles POST /v1/connections/{connID}/ack
func (h *AckHandler) Ack(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "connID")

	var req AckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageID(req.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.delivery.Acknowledge(connectionID, req.MessageID) {
		writeError(w, http.StatusConflict, "ack_rejected")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Heartbeat handles POST /v1/connections/{connID}/heartbeat
func (h *AckHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.delivery.Heartbeat(chi.URLParam(r, "connID")); err != nil {
		writeError(w, http.StatusNotFound, "connection_not_found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
