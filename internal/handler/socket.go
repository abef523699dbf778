package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/middleware"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/service"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type      string      `json:"type"`
	MessageID string      `json:"message_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Frame types.
const (
	FrameConnected      = "connected"
	FrameEvent          = "event"
	FrameReplayComplete = "replay_complete"
	FrameClosed         = "closed"
	FrameAck            = "ack"
	FrameAckResult      = "ack_result"
	FramePing           = "ping"
	FramePong           = "pong"
	FrameError          = "error"
)

// SocketHandler serves the websocket transport. Clients send acks and pings
// in-band on the same connection.
type SocketHandler struct {
	delivery *service.DeliveryService
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewSocketHandler creates a new websocket handler.
func NewSocketHandler(delivery *service.DeliveryService, log *logger.Logger) *SocketHandler {
	return &SocketHandler{
		delivery: delivery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			// Origins are enforced against the capability token during admission.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.Component("websocket"),
	}
}

// Socket handles GET /v1/conversations/{id}/ws
func (h *SocketHandler) Socket(w http.ResponseWriter, r *http.Request) {
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

	// Admission runs before the upgrade so rejections get a real HTTP status.
	sub, err := h.delivery.Subscribe(ctx, req)
	if err != nil {
		writeSubscribeError(w, err)
		return
	}
	defer sub.Close(model.CloseClientGone)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.logger.WithContext(middleware.GetCorrelationID(ctx), conversationID, sub.ID())
	replies := make(chan Frame, 16)
	readerDone := make(chan struct{})
	go h.readPump(conn, sub, replies, readerDone, log)

	h.writePump(conn, sub, replies, readerDone, log)
}

// readPump handles client frames until the socket fails.
func (h *SocketHandler) readPump(conn *websocket.Conn, sub *service.Subscription, replies chan<- Frame, done chan<- struct{}, log *logger.Logger) {
	defer close(done)

	pongWait := 2 * h.delivery.HeartbeatInterval()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = sub.Heartbeat()
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var reply Frame
		switch frame.Type {
		case FramePing:
			_ = sub.Heartbeat()
			reply = Frame{Type: FramePong}
		case FrameAck:
			if err := middleware.ValidateMessageID(frame.MessageID); err != nil {
				reply = Frame{Type: FrameError, Data: &model.ErrorEvent{Code: "invalid_message_id", Message: err.Error()}}
				break
			}
			reply = Frame{
				Type:      FrameAckResult,
				MessageID: frame.MessageID,
				Data:      map[string]bool{"accepted": sub.Ack(frame.MessageID)},
			}
		default:
			reply = Frame{Type: FrameError, Data: &model.ErrorEvent{Code: "unknown_frame", Message: frame.Type}}
		}

		select {
		case replies <- reply:
		default:
			log.Debug("dropping websocket reply, writer is behind", zap.String("type", reply.Type))
		}
	}
}

// writePump is the single writer on the socket.
func (h *SocketHandler) writePump(conn *websocket.Conn, sub *service.Subscription, replies <-chan Frame, readerDone <-chan struct{}, log *logger.Logger) {
	write := func(f Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(f)
	}

	if err := write(Frame{Type: FrameConnected, Data: &model.ConnectedEvent{
		ConnectionID:   sub.ID(),
		ConversationID: sub.ConversationID(),
		HeartbeatSecs:  int(h.delivery.HeartbeatInterval().Seconds()),
	}}); err != nil {
		return
	}

	if sub.Resumed() {
		for _, ev := range sub.Backlog() {
			if err := write(Frame{Type: FrameEvent, Data: model.NewEnvelope(ev)}); err != nil {
				return
			}
		}
		done := sub.ReplayComplete()
		if err := write(Frame{Type: FrameReplayComplete, Data: &done}); err != nil {
			return
		}
	}

	ping := time.NewTicker(heartbeatPeriod(h.delivery.HeartbeatInterval()))
	defer ping.Stop()

	for {
		select {
		case <-readerDone:
			return

		case <-sub.Done():
			reason := sub.CloseReason()
			_ = write(Frame{Type: FrameClosed, Data: &model.ClosedEvent{Reason: reason}})
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode(reason), string(reason)),
				time.Now().Add(writeWait))
			log.Info("websocket closed by server", zap.String("reason", string(reason)))
			return

		case ev := <-sub.Events():
			if !sub.Accept(ev) {
				continue
			}
			if err := write(Frame{Type: FrameEvent, Data: model.NewEnvelope(ev)}); err != nil {
				log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case reply := <-replies:
			if err := write(reply); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func closeCode(reason model.CloseReason) int {
	switch reason {
	case model.CloseShutdown:
		return websocket.CloseGoingAway
	case model.CloseHeartbeatTimeout, model.CloseDeliveryFailed:
		return websocket.CloseTryAgainLater
	default:
		return websocket.CloseNormalClosure
	}
}
