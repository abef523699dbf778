// Package ack tracks deliveries that need client acknowledgement, redelivers
// them on timeout and gives up after a bounded number of attempts.
package ack

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Dlutsok/replyx-v2-sub001/internal/model"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/logger"
	"github.com/Dlutsok/replyx-v2-sub001/pkg/metrics"
)

const shardCount = 32

// Config holds tracker timings.
type Config struct {
	// Timeout is how long to wait for an ack after each send.
	Timeout time.Duration
	// MaxAttempts is the total number of sends, including the first.
	MaxAttempts int
	// DedupeTTL is how long an accepted ack is remembered so client retries
	// of the same ack are accepted again without side effects.
	DedupeTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		MaxAttempts: 3,
		DedupeTTL:   time.Minute,
	}
}

// Redeliverer sends an event to one specific connection.
type Redeliverer interface {
	DeliverTo(connectionID string, event model.Event) error
}

// PendingAck is one delivery waiting for acknowledgement.
type PendingAck struct {
	MessageID    string
	ConnectionID string
	Event        model.Event
	FirstSentAt  time.Time
	LastSentAt   time.Time
	Attempts     int
}

type ackKey struct {
	messageID    string
	connectionID string
}

// shard holds the pending acks of the connections hashed to it.
type shard struct {
	mu      sync.Mutex
	pending map[string]map[string]*PendingAck // connection id -> message id -> pending
	acked   map[ackKey]time.Time
}

// Tracker is the acknowledgement tracker. State is sharded by connection id.
type Tracker struct {
	cfg       Config
	clock     model.Clock
	redeliver Redeliverer
	logger    *logger.Logger
	shards    [shardCount]*shard
}

// NewTracker creates a tracker. redeliver may be set later with SetRedeliverer.
func NewTracker(cfg Config, redeliver Redeliverer, clock model.Clock, log *logger.Logger) *Tracker {
	if clock == nil {
		clock = model.SystemClock{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	t := &Tracker{
		cfg:       cfg,
		clock:     clock,
		redeliver: redeliver,
		logger:    log.Component("ack-tracker"),
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			pending: make(map[string]map[string]*PendingAck),
			acked:   make(map[ackKey]time.Time),
		}
	}
	return t
}

// SetRedeliverer wires the redelivery path.
func (t *Tracker) SetRedeliverer(r Redeliverer) {
	t.redeliver = r
}

func (t *Tracker) shardFor(connectionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connectionID))
	return t.shards[h.Sum32()%shardCount]
}

// TrackDelivery stores a pending ack with one attempt. Tracking the same
// pair again keeps the existing entry.
func (t *Tracker) TrackDelivery(messageID, connectionID string, event model.Event) {
	s := t.shardFor(connectionID)
	now := t.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	byMsg, ok := s.pending[connectionID]
	if !ok {
		byMsg = make(map[string]*PendingAck)
		s.pending[connectionID] = byMsg
	}
	if _, exists := byMsg[messageID]; exists {
		return
	}
	byMsg[messageID] = &PendingAck{
		MessageID:    messageID,
		ConnectionID: connectionID,
		Event:        event,
		FirstSentAt:  now,
		LastSentAt:   now,
		Attempts:     1,
	}
	metrics.AcksPending.Inc()
}

// HandleAck accepts an ack only from the connection the message was sent
// to. A repeated ack from that connection inside the dedupe window is
// accepted again with no further effect. Acks from any other connection are
// rejected and change nothing.
func (t *Tracker) HandleAck(messageID, connectionID string) bool {
	s := t.shardFor(connectionID)
	now := t.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if byMsg, ok := s.pending[connectionID]; ok {
		if _, ok := byMsg[messageID]; ok {
			delete(byMsg, messageID)
			if len(byMsg) == 0 {
				delete(s.pending, connectionID)
			}
			s.acked[ackKey{messageID, connectionID}] = now
			metrics.AcksPending.Dec()
			metrics.Acks.WithLabelValues("accepted").Inc()
			return true
		}
	}

	if at, ok := s.acked[ackKey{messageID, connectionID}]; ok && now.Sub(at) < t.cfg.DedupeTTL {
		metrics.Acks.WithLabelValues("duplicate").Inc()
		return true
	}

	metrics.Acks.WithLabelValues("rejected").Inc()
	return false
}

// Forget drops a pending entry without counting it as acked, e.g. when the
// first send never reached the connection.
func (t *Tracker) Forget(messageID, connectionID string) {
	s := t.shardFor(connectionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if byMsg, ok := s.pending[connectionID]; ok {
		if _, ok := byMsg[messageID]; ok {
			delete(byMsg, messageID)
			metrics.AcksPending.Dec()
		}
		if len(byMsg) == 0 {
			delete(s.pending, connectionID)
		}
	}
}

// DropConnection removes everything pending for a closed connection.
func (t *Tracker) DropConnection(connectionID string) int {
	s := t.shardFor(connectionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.pending[connectionID])
	delete(s.pending, connectionID)
	metrics.AcksPending.Sub(float64(n))
	return n
}

// Pending returns a copy of the pending entry, if any.
func (t *Tracker) Pending(messageID, connectionID string) (PendingAck, bool) {
	s := t.shardFor(connectionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[connectionID][messageID]; ok {
		return *p, true
	}
	return PendingAck{}, false
}

// Len returns the number of pending acks.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for _, byMsg := range s.pending {
			n += len(byMsg)
		}
		s.mu.Unlock()
	}
	return n
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Redelivered int
	Dropped     int
}

// SweepExpired redelivers pending acks whose last send is older than the
// timeout, and drops those that already used every attempt. Redelivery runs
// outside the shard locks.
func (t *Tracker) SweepExpired() SweepResult {
	now := t.clock.Now()
	var res SweepResult

	for _, s := range t.shards {
		var resend []PendingAck

		s.mu.Lock()
		for connID, byMsg := range s.pending {
			for msgID, p := range byMsg {
				if now.Sub(p.LastSentAt) < t.cfg.Timeout {
					continue
				}
				if p.Attempts >= t.cfg.MaxAttempts {
					delete(byMsg, msgID)
					metrics.AcksPending.Dec()
					metrics.Acks.WithLabelValues("expired").Inc()
					res.Dropped++
					t.logger.Warn("delivery failed: no acknowledgement",
						zap.String("message_id", msgID),
						zap.String("connection_id", connID),
						zap.Int("attempts", p.Attempts),
						zap.Duration("since_first_send", now.Sub(p.FirstSentAt)),
					)
					continue
				}
				p.Attempts++
				p.LastSentAt = now
				resend = append(resend, *p)
			}
			if len(byMsg) == 0 {
				delete(s.pending, connID)
			}
		}
		for key, at := range s.acked {
			if now.Sub(at) >= t.cfg.DedupeTTL {
				delete(s.acked, key)
			}
		}
		s.mu.Unlock()

		for _, p := range resend {
			if t.redeliver == nil {
				continue
			}
			if err := t.redeliver.DeliverTo(p.ConnectionID, p.Event); err != nil {
				t.Forget(p.MessageID, p.ConnectionID)
				res.Dropped++
				t.logger.Warn("redelivery failed",
					zap.String("message_id", p.MessageID),
					zap.String("connection_id", p.ConnectionID),
					zap.Int("attempts", p.Attempts),
					zap.Error(err),
				)
				continue
			}
			metrics.Acks.WithLabelValues("redelivered").Inc()
			res.Redelivered++
		}
	}
	return res
}
