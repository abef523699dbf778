package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Dlutsok/replyx-v2-sub001/internal/admission"
	"github.com/Dlutsok/replyx-v2-sub001/internal/middleware"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeSubscribeError maps a Subscribe failure to a specific status and code
// so clients can tell whether to retry, re-authenticate or give up.
func writeSubscribeError(w http.ResponseWriter, err error) {
	if aerr, ok := admission.AsError(err); ok {
		if aerr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(aerr.RetryAfter))
		}
		writeJSON(w, aerr.Status(), &model.ErrorEvent{
			Code:       aerr.Code,
			Message:    aerr.Error(),
			RetryAfter: aerr.RetryAfter,
		})
		return
	}
	if errors.Is(err, model.ErrConversationNotFound) {
		writeJSON(w, http.StatusNotFound, &model.ErrorEvent{
			Code:    "conversation_not_found",
			Message: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, &model.ErrorEvent{
		Code:    "internal_error",
		Message: "failed to open subscription",
	})
}

// subscribeRequest builds a SubscribeRequest from the query string and headers.
func subscribeRequest(r *http.Request, conversationID string) (service.SubscribeRequest, error) {
	q := r.URL.Query()

	token := q.Get("token")
	if token == "" {
		if scheme, value, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "bearer") {
			token = value
		}
	}

	var kind model.ChannelKind
	if k := q.Get("kind"); k != "" {
		parsed, err := model.ParseChannelKind(k)
		if err != nil {
			return service.SubscribeRequest{}, err
		}
		kind = parsed
	}

	lastSeen, err := middleware.ParseLastEventID(q.Get("last_event_id"), r.Header.Get("Last-Event-ID"))
	if err != nil {
		return service.SubscribeRequest{}, err
	}

	return service.SubscribeRequest{
		Request: admission.Request{
			RemoteIP:       middleware.ClientIP(r),
			Origin:         r.Header.Get("Origin"),
			Referer:        r.Header.Get("Referer"),
			Token:          token,
			ConversationID: conversationID,
			Kind:           kind,
			ClientHint:     r.UserAgent(),
		},
		LastSeenEventID: lastSeen,
	}, nil
}
