package service

import (
	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/internal/registry"
)

// Subscription is one registered connection as seen by a transport. The
// transport writes Backlog first, then every event from Events that Accept
// lets through. A Subscription is used by a single goroutine.
type Subscription struct {
	conn    *registry.Connection
	service *DeliveryService

	backlog   []model.Event
	truncated bool
	resumed   bool
	floor     uint64
}

// ID returns the connection id.
func (s *Subscription) ID() string { return s.conn.ID() }

// ConversationID returns the subscribed conversation.
func (s *Subscription) ConversationID() string { return s.conn.ConversationID() }

// Kind returns the channel kind granted by the token.
func (s *Subscription) Kind() model.ChannelKind { return s.conn.Kind() }

// Backlog returns the replayed events, oldest first.
func (s *Subscription) Backlog() []model.Event { return s.backlog }

// Truncated reports whether the backlog is missing evicted events.
func (s *Subscription) Truncated() bool { return s.truncated }

// Resumed reports whether the client asked for catch-up.
func (s *Subscription) Resumed() bool { return s.resumed }

// ReplayComplete describes the end of the backlog.
func (s *Subscription) ReplayComplete() model.ReplayCompleteEvent {
	return model.ReplayCompleteEvent{
		LastEventID: s.floor,
		EventCount:  len(s.backlog),
		Truncated:   s.truncated,
	}
}

// Events is the live event channel.
func (s *Subscription) Events() <-chan model.Event { return s.conn.Events() }

// Done is closed when the connection leaves the registry.
func (s *Subscription) Done() <-chan struct{} { return s.conn.Done() }

// CloseReason returns why the connection closed.
func (s *Subscription) CloseReason() model.CloseReason { return s.conn.CloseReason() }

// Accept reports whether a live event should be written. Events already
// covered by the backlog are skipped.
func (s *Subscription) Accept(ev model.Event) bool {
	return ev.ID > s.floor
}

// Heartbeat records client liveness.
func (s *Subscription) Heartbeat() error {
	return s.service.Heartbeat(s.conn.ID())
}

// Ack acknowledges a message delivered on this connection.
func (s *Subscription) Ack(messageID string) bool {
	return s.service.Acknowledge(s.conn.ID(), messageID)
}

// Close unregisters the connection.
func (s *Subscription) Close(reason model.CloseReason) {
	s.service.Close(s.conn.ID(), reason)
}
