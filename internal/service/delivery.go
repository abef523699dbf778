// Package service provides the delivery entry points used by transports and
// upstream producers: publish, subscribe, acknowledge and heartbeat.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/admission"
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
	"github.com/Dlutsok/replyx-v2-sub001/internal/replay"
	"github.com/Dlutsok/replyx-v2-sub001/internal/store"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
)

// Publisher puts events on the bus.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, eventType model.EventType, payload []byte, requiresAck bool) error
}

// Admitter runs admission control.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (model.AdmissionHandle, error)
}

// AckHandler accepts client acknowledgements.
type AckHandler interface {
	HandleAck(messageID, connectionID string) bool
}

// DeliveryService wires admission, registry, replay log, ack tracker and
// publisher together.
type DeliveryService struct {
	conversations store.ConversationLookup
	admitter      Admitter
	registry      *registry.Registry
	replay        *replay.Log
	acks          AckHandler
	publisher     Publisher
	logger        *logger.Logger
}

// NewDeliveryService creates a new delivery service.
func NewDeliveryService(
	conversations store.ConversationLookup,
	admitter Admitter,
	reg *registry.Registry,
	log *replay.Log,
	acks AckHandler,
	publisher Publisher,
	lg *logger.Logger,
) *DeliveryService {
	return &DeliveryService{
		conversations: conversations,
		admitter:      admitter,
		registry:      reg,
		replay:        log,
		acks:          acks,
		publisher:     publisher,
		logger:        lg.Component("delivery"),
	}
}

// Publish enqueues an event for the conversation. It returns once the event
// bus has it, not once it is delivered.
func (s *DeliveryService) Publish(ctx context.Context, conversationID string, eventType model.EventType, payload []byte, requiresAck bool) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", model.ErrInvalidEvent, eventType)
	}
	return s.publisher.Publish(ctx, conversationID, eventType, payload, requiresAck)
}

// SubscribeRequest is an inbound subscription.
type SubscribeRequest struct {
	admission.Request
	// LastSeenEventID requests catch-up from the replay log. Nil means live
	// events only.
	LastSeenEventID *uint64
}

// Subscribe admits and registers a connection, then reads the backlog when
// a last-seen id was given. Admission runs before the conversation lookup so
// rejected callers never reach the store. The connection is registered before
// the log is read, so every event after the backlog reaches the live channel.
func (s *DeliveryService) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	handle, err := s.admitter.Admit(ctx, req.Request)
	if err != nil {
		return nil, err
	}

	exists, err := s.conversations.ConversationExists(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation lookup: %w", err)
	}
	if !exists {
		return nil, model.ErrConversationNotFound
	}

	conn, err := s.registry.Register(handle)
	if err != nil {
		if errors.Is(err, model.ErrCapacityExceeded) {
			return nil, admission.CapacityError(err)
		}
		return nil, err
	}

	sub := &Subscription{conn: conn, service: s}
	if req.LastSeenEventID != nil {
		lastSeen := *req.LastSeenEventID
		backlog, truncated, head := s.replay.ReplayWithHead(req.ConversationID, lastSeen)
		if lastSeen > head {
			// The client saw ids this log never assigned, e.g. before a restart.
			truncated = true
		}
		sub.backlog = backlog
		sub.truncated = truncated
		sub.floor = head
		sub.resumed = true
	}

	s.logger.Info("subscription opened",
		zap.String("connection_id", conn.ID()),
		zap.String("conversation_id", req.ConversationID),
		zap.String("kind", string(conn.Kind())),
		zap.Int("backlog", len(sub.backlog)),
		zap.Bool("truncated", sub.truncated),
	)
	return sub, nil
}

// Acknowledge accepts an ack from a connection. An accepted ack also counts
// as liveness.
func (s *DeliveryService) Acknowledge(connectionID, messageID string) bool {
	if !s.acks.HandleAck(messageID, connectionID) {
		return false
	}
	_ = s.registry.Touch(connectionID)
	return true
}

// Heartbeat records liveness for a connection.
func (s *DeliveryService) Heartbeat(connectionID string) error {
	return s.registry.Touch(connectionID)
}

// Close unregisters a connection. Safe to call more than once.
func (s *DeliveryService) Close(connectionID string, reason model.CloseReason) bool {
	return s.registry.Unregister(connectionID, reason)
}

// HeartbeatInterval is the liveness interval clients must honor.
func (s *DeliveryService) HeartbeatInterval() time.Duration {
	return s.registry.Config().HeartbeatInterval
}
